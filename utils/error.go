package utils

import "errors"

var ErrorRecordNotFound = errors.New("record not found")

var ErrorDocumentNotFound = errors.New("document not found")
