// Package models defines API response envelope types for ContactPipe.
package models

// APIStatus represents the status field of an API response.
type APIStatus string

const (
	APIStatusOK    APIStatus = "ok"
	APIStatusError APIStatus = "error"
)

// APIResponse represents a standard API response with a status and optional data.
type APIResponse struct {
	Status  string      `json:"status"`            // status of the API response
	Message string      `json:"message,omitempty"` // optional message for error responses or additional info
	Result  interface{} `json:"result,omitempty"`  // optional result data for successful responses
}

// Success creates a successful API response with optional result data.
func Success(result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Result: result}
}

// SuccessWithMessage creates a successful API response with a message and optional result data.
func SuccessWithMessage(message string, result interface{}) APIResponse {
	return APIResponse{Status: string(APIStatusOK), Message: message, Result: result}
}

// Error creates an error API response with a message.
func Error(message string) APIResponse {
	return APIResponse{Status: string(APIStatusError), Message: message}
}
