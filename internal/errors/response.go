package errors

import "net/http"

// sensitiveContext never leaves the process in an error response.
var sensitiveContext = map[string]bool{
	"token":  true,
	"secret": true,
	"text":   true,
}

// HTTPStatusCode maps an error onto the control API status it is reported with.
func HTTPStatusCode(err error) int {
	switch GetCode(err) {
	case ErrCodeInvalidInput, ErrCodeInvalidConfig:
		return http.StatusBadRequest
	case ErrCodeNotFound:
		return http.StatusNotFound
	case ErrCodePermanent:
		return http.StatusUnprocessableEntity
	case ErrCodeSendFailed, ErrCodeCircuitOpen, ErrCodeRealtime, ErrCodeProbe:
		if IsRetryable(err) {
			return http.StatusBadGateway
		}
		return http.StatusInternalServerError
	case ErrCodeStorage, ErrCodeStorageCodec:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorResponse is the JSON body written for failed control API calls.
type ErrorResponse struct {
	Error struct {
		Code    ErrorCode              `json:"code"`
		Message string                 `json:"message"`
		Context map[string]interface{} `json:"context,omitempty"`
	} `json:"error"`
}

func ToErrorResponse(err error) ErrorResponse {
	var response ErrorResponse
	response.Error.Code = GetCode(err)
	response.Error.Message = PublicMessage(err)

	appErr, ok := as(err)
	if !ok {
		return response
	}
	for k, v := range appErr.Context {
		if sensitiveContext[k] {
			continue
		}
		if response.Error.Context == nil {
			response.Error.Context = make(map[string]interface{})
		}
		response.Error.Context[k] = v
	}
	return response
}
