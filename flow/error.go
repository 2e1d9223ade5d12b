package flow

import (
	"net/http"

	"github.com/Abraxas-365/craftable/errx"
)

var ErrRegistry = errx.NewRegistry("FLOW")

var (
	CodeFlowNotFound     = ErrRegistry.Register("FLOW_NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Flow not found")
	CodeInvalidFlow      = ErrRegistry.Register("INVALID_FLOW", errx.TypeValidation, http.StatusUnprocessableEntity, "Flow definition is invalid")
	CodeInvalidNode      = ErrRegistry.Register("INVALID_NODE", errx.TypeValidation, http.StatusUnprocessableEntity, "Invalid node configuration")
	CodeUnknownNodeKind  = ErrRegistry.Register("UNKNOWN_NODE_KIND", errx.TypeValidation, http.StatusUnprocessableEntity, "Unknown node kind")
	CodeSchemaViolation  = ErrRegistry.Register("SCHEMA_VIOLATION", errx.TypeValidation, http.StatusUnprocessableEntity, "Flow definition does not match the schema")
	CodeMalformedFlow    = ErrRegistry.Register("MALFORMED_FLOW", errx.TypeValidation, http.StatusBadRequest, "Flow definition could not be decoded")
	CodeInvalidPredicate = ErrRegistry.Register("INVALID_PREDICATE", errx.TypeValidation, http.StatusUnprocessableEntity, "Invalid branch predicate")
)

func ErrFlowNotFound() *errx.Error {
	return ErrRegistry.New(CodeFlowNotFound)
}

func ErrInvalidFlow() *errx.Error {
	return ErrRegistry.New(CodeInvalidFlow)
}

func ErrInvalidNode() *errx.Error {
	return ErrRegistry.New(CodeInvalidNode)
}

func ErrUnknownNodeKind() *errx.Error {
	return ErrRegistry.New(CodeUnknownNodeKind)
}

func ErrSchemaViolation() *errx.Error {
	return ErrRegistry.New(CodeSchemaViolation)
}

func ErrMalformedFlow() *errx.Error {
	return ErrRegistry.New(CodeMalformedFlow)
}

func ErrInvalidPredicate() *errx.Error {
	return ErrRegistry.New(CodeInvalidPredicate)
}
