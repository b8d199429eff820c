package binarycache

import "errors"

// Sentinel errors returned by Store operations, checked with errors.Is.
var (
	ErrInvalidPath           = errors.New("binarycache: invalid store path")
	ErrCorruptNAR            = errors.New("binarycache: NAR failed integrity check")
	ErrFormatError           = errors.New("binarycache: format error")
	ErrMissingReference      = errors.New("binarycache: referenced path is not present in the cache")
	ErrSubstituteGone        = errors.New("binarycache: substitute vanished between narinfo and NAR fetch")
	ErrNoSuchBinaryCacheFile = errors.New("binarycache: no such file in binary cache")
	ErrCyclicReference       = errors.New("binarycache: cyclic self-reference outside of Self flag")
)
