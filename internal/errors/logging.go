package errors

import (
	stderrors "errors"

	"github.com/sirupsen/logrus"
)

// Fields extracts structured log fields from an AppError anywhere in err's chain.
func Fields(err error) logrus.Fields {
	fields := logrus.Fields{}
	var appErr *AppError
	if !stderrors.As(err, &appErr) {
		return fields
	}

	fields["error_code"] = appErr.Code
	fields["retryable"] = appErr.Retryable
	for k, v := range appErr.Context {
		fields[k] = v
	}
	return fields
}

// Entry returns a log entry carrying err and its structured context.
func Entry(logger logrus.FieldLogger, err error) *logrus.Entry {
	return logger.WithError(err).WithFields(Fields(err))
}

// LogRetryable logs a retryable error at warn level, non-retryable at error level
func LogRetryable(logger logrus.FieldLogger, err error, message string) {
	if IsRetryable(err) {
		Entry(logger, err).Warn(message)
		return
	}
	Entry(logger, err).Error(message)
}
