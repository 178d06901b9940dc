package util

import "errors"

var (
	ErrUserNotFound        = errors.New("user not found")
	ErrCourseNotFound      = errors.New("course not found")
	ErrLessonNotFound      = errors.New("lesson not found")
	ErrEnrollmentNotFound  = errors.New("enrollment not found")
	ErrCertificateNotFound = errors.New("certificate not found")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrPermissionDenied    = errors.New("permission denied")
	ErrInvalidCredentials  = errors.New("invalid credentials")
	ErrInvalidSignature    = errors.New("invalid webhook signature")
	ErrProgressIncomplete  = errors.New("course progress incomplete")
	ErrInvalidTransition   = errors.New("invalid enrollment status transition")
)
