package params

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrConversion      = errors.New("params: conversion failed")
	ErrUnsupportedType = errors.New("params: unsupported type")
	ErrMissingRequired = errors.New("params: missing required parameter")
	ErrUnknownName     = errors.New("params: unknown parameter")
)

// ConversionError reports a raw value that cannot be read as its declared type.
type ConversionError struct {
	Name string
	Raw  string
	Type string
	Err  error
}

func (e *ConversionError) Error() string {
	msg := fmt.Sprintf("could not convert '%s' to %s", e.Raw, e.Type)
	if e.Name != "" {
		msg = fmt.Sprintf("parameter %q: %s", e.Name, msg)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConversionError) Unwrap() error { return e.Err }

func (e *ConversionError) Is(target error) bool { return target == ErrConversion }

type UnsupportedTypeError struct {
	Name string
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("unsupported type %q for parameter %q", e.Type, e.Name)
	}
	return fmt.Sprintf("unsupported type %q", e.Type)
}

func (e *UnsupportedTypeError) Is(target error) bool { return target == ErrUnsupportedType }

type MissingRequiredError struct {
	Name string
}

func (e *MissingRequiredError) Error() string {
	return fmt.Sprintf("required parameter '%s' is missing", e.Name)
}

func (e *MissingRequiredError) Is(target error) bool { return target == ErrMissingRequired }

type UnknownNamesError struct {
	Names []string
}

func (e *UnknownNamesError) Error() string {
	names := append([]string(nil), e.Names...)
	sort.Strings(names)
	return "unknown parameters provided: " + strings.Join(names, ", ")
}

func (e *UnknownNamesError) Is(target error) bool { return target == ErrUnknownName }
