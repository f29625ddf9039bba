package usecase

import (
	"context"
	"errors"

	"chatsync/pkg/apperr"
)

// storageErr classifies a repository failure. Errors that already carry a
// code pass through; context errors are the caller's own and stay as-is.
func storageErr(err error) error {
	if err == nil {
		return nil
	}
	var ae *apperr.Error
	if errors.As(err, &ae) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return apperr.StorageUnavailable(err)
}
