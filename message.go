package main

import "errors"

// Client-facing error bodies. These strings are part of the HTTP contract.
const (
	MsgNoFilePart     = "No file part"
	MsgNoSelectedFile = "No selected file"
	MsgFileTooLarge   = "File too large"
	MsgInternalError  = "Internal server error"
	MsgHistoryOff     = "History disabled"
	MsgNotFound       = "Not found"
	MsgBadMethod      = "Method not allowed"
	MsgBadLimit       = "limit must be a positive integer"
)

var (
	ErrNoFilePart     = errors.New("request has no file part")
	ErrNoSelectedFile = errors.New("file part has an empty filename")
	ErrFileTooLarge   = errors.New("upload exceeds size limit")
)
