package api

import (
	goerrors "github.com/goliatone/go-errors"
)

// エラーのテキストコード
const (
	ErrorRemoteService   = "REMOTE_SERVICE_ERROR"
	ErrorDeserialization = "DESERIALIZATION_ERROR"
	ErrorSerialization   = "SERIALIZATION_ERROR"
)

func trackerError(
	message string,
	category goerrors.Category,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	err := goerrors.New(message, category).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}

func trackerWrapError(
	source error,
	category goerrors.Category,
	message string,
	code int,
	textCode string,
	metadata map[string]any,
) error {
	if source == nil {
		return trackerError(message, category, code, textCode, metadata)
	}
	err := goerrors.Wrap(source, category, message).
		WithCode(code).
		WithTextCode(textCode)
	if len(metadata) > 0 {
		err.WithMetadata(metadata)
	}
	return err
}
