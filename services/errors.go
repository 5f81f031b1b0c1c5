package services

import (
	"net/http"

	goerrors "github.com/goliatone/go-errors"
)

// エラーのテキストコード
const (
	ErrorAuthentication     = "AUTHENTICATION_FAILURE"
	ErrorPayloadParse       = "PAYLOAD_PARSE_ERROR"
	ErrorRelationUnresolved = "RELATION_ID_UNRESOLVED"
	ErrorSerialization      = "SERIALIZATION_ERROR"
)

func authenticationFailure(reason string) error {
	return goerrors.New("Webhook認証失敗: "+reason, goerrors.CategoryAuth).
		WithCode(http.StatusForbidden).
		WithTextCode(ErrorAuthentication)
}

func payloadParseError(source error, message string, metadata map[string]any) error {
	var err *goerrors.Error
	if source == nil {
		err = goerrors.New(message, goerrors.CategoryBadInput)
	} else {
		err = goerrors.Wrap(source, goerrors.CategoryBadInput, message)
	}
	err = err.WithCode(http.StatusBadRequest).WithTextCode(ErrorPayloadParse)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func relationUnresolved(source error, relationURL string) error {
	var err *goerrors.Error
	if source == nil {
		err = goerrors.New("リレーションからワークアイテムIDを取得できません", goerrors.CategoryBadInput)
	} else {
		err = goerrors.Wrap(source, goerrors.CategoryBadInput, "リレーションからワークアイテムIDを取得できません")
	}
	err = err.WithCode(http.StatusUnprocessableEntity).WithTextCode(ErrorRelationUnresolved)
	err.WithMetadata(map[string]any{"relation_url": relationURL})
	return err
}

// textCode はエラーのテキストコードを返します。go-errors 以外は空文字です
func textCode(err error) string {
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.TextCode
	}
	return ""
}
