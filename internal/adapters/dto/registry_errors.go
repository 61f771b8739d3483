package dto

// Registry API error codes.
const (
	ErrCodeBlobUnknown       = "BLOB_UNKNOWN"
	ErrCodeBlobUploadUnknown = "BLOB_UPLOAD_UNKNOWN"
	ErrCodeBlobUploadInvalid = "BLOB_UPLOAD_INVALID"
	ErrCodeDigestInvalid     = "DIGEST_INVALID"
	ErrCodeManifestUnknown   = "MANIFEST_UNKNOWN"
	ErrCodeManifestInvalid   = "MANIFEST_INVALID"
	ErrCodeNameInvalid       = "NAME_INVALID"
	ErrCodeNameUnknown       = "NAME_UNKNOWN"
	ErrCodeTagInvalid        = "TAG_INVALID"
	ErrCodeSizeInvalid       = "SIZE_INVALID"
	ErrCodeUnsupported       = "UNSUPPORTED"
	ErrCodeUnknown           = "UNKNOWN"
	ErrCodeTooManyRequests   = "TOOMANYREQUESTS"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeMethodNotAllowed  = "METHOD_NOT_ALLOWED"
	ErrCodeDenied            = "DENIED"
)

// RegistryErrorItem represents an individual registry error.
type RegistryErrorItem struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// RegistryErrorResponse represents registry errors.
type RegistryErrorResponse struct {
	Errors []RegistryErrorItem `json:"errors"`
}
