package transfer

import "errors"

var (
	ErrTransferInProgress = errors.New("transfer already in progress")
	ErrShortRead          = errors.New("file ended before declared size")
	ErrFileTooLarge       = errors.New("file exceeds maximum size")
	ErrInvalidFileInfo    = errors.New("invalid file info")
)
