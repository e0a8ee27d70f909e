package services

import (
	"encoding/base64"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
)

// MaxDocumentSize is the largest purchase-order document accepted, in bytes.
const MaxDocumentSize = 10 * 1024 * 1024

var documentTypesByMIME = map[string]string{
	"application/pdf": "application/pdf",
	"image/jpeg":      "image/jpeg",
	"image/jpg":       "image/jpeg",
	"image/png":       "image/png",
}

var documentTypesByExtension = map[string]string{
	".pdf":  "application/pdf",
	".jpeg": "image/jpeg",
	".jpg":  "image/jpeg",
	".png":  "image/png",
}

// DocumentUpload is a file picked by the user, before encoding.
type DocumentUpload struct {
	FileName string
	MimeType string
	Data     []byte
}

// EncodedDocument is the transport form of a document: base64 content without a data-URI prefix.
type EncodedDocument struct {
	FileName string
	MimeType string
	Content  string
}

// ValidateDocument checks type and size before any bytes are transmitted. It returns the
// canonical content type.
func ValidateDocument(fileName, mimeType string, size int) (string, error) {
	if strings.TrimSpace(fileName) == "" {
		return "", &ValidationError{Field: "fileName", Reason: "is required"}
	}
	contentType, ok := resolveDocumentType(fileName, mimeType)
	if !ok {
		return "", &ValidationError{Field: "mimeType", Reason: "must be a PDF, JPEG or PNG file"}
	}
	if size <= 0 {
		return "", &ValidationError{Field: "size", Reason: "document is empty"}
	}
	if size > MaxDocumentSize {
		return "", &ValidationError{Field: "size", Reason: fmt.Sprintf("must not exceed %d bytes", MaxDocumentSize)}
	}
	return contentType, nil
}

// EncodeDocument validates the upload and encodes it as base64 text.
func EncodeDocument(upload DocumentUpload) (EncodedDocument, error) {
	contentType, err := ValidateDocument(upload.FileName, upload.MimeType, len(upload.Data))
	if err != nil {
		return EncodedDocument{}, err
	}
	return EncodedDocument{
		FileName: cleanFileName(upload.FileName),
		MimeType: contentType,
		Content:  base64.StdEncoding.EncodeToString(upload.Data),
	}, nil
}

// DecodeDocument reverses EncodeDocument, accepting content with or without a data-URI prefix,
// and re-validates the result.
func DecodeDocument(doc EncodedDocument) (DocumentUpload, string, error) {
	content := StripDataURIPrefix(doc.Content)
	if base64.StdEncoding.DecodedLen(len(content)) > MaxDocumentSize+3 {
		return DocumentUpload{}, "", &ValidationError{Field: "size", Reason: fmt.Sprintf("must not exceed %d bytes", MaxDocumentSize)}
	}
	upload, err := DecodeDocumentContent(doc)
	if err != nil {
		return DocumentUpload{}, "", err
	}
	contentType, err := ValidateDocument(upload.FileName, upload.MimeType, len(upload.Data))
	if err != nil {
		return DocumentUpload{}, "", err
	}
	upload.FileName = cleanFileName(upload.FileName)
	upload.MimeType = contentType
	return upload, contentType, nil
}

// DecodeDocumentContent only reverses the base64 transport encoding. Type and size are left for
// EncodeDocument or ValidateDocument to judge.
func DecodeDocumentContent(doc EncodedDocument) (DocumentUpload, error) {
	content := StripDataURIPrefix(doc.Content)
	mimeType := doc.MimeType
	if mimeType == "" {
		mimeType = dataURIMediaType(doc.Content)
	}
	if content == "" {
		return DocumentUpload{}, &ValidationError{Field: "content", Reason: "is required"}
	}
	data, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return DocumentUpload{}, &ValidationError{Field: "content", Reason: "is not valid base64"}
	}
	return DocumentUpload{FileName: doc.FileName, MimeType: mimeType, Data: data}, nil
}

// StripDataURIPrefix removes a leading "data:<type>;base64," header and surrounding whitespace.
func StripDataURIPrefix(content string) string {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, "data:") {
		return content
	}
	if _, rest, ok := strings.Cut(content, ","); ok {
		return strings.TrimSpace(rest)
	}
	return content
}

func dataURIMediaType(content string) string {
	content = strings.TrimSpace(content)
	header, _, ok := strings.Cut(strings.TrimPrefix(content, "data:"), ",")
	if !ok || !strings.HasPrefix(content, "data:") {
		return ""
	}
	mediaType, _, _ := strings.Cut(header, ";")
	return mediaType
}

func resolveDocumentType(fileName, mimeType string) (string, bool) {
	if mediaType, _, err := mime.ParseMediaType(strings.TrimSpace(mimeType)); err == nil {
		if canonical, ok := documentTypesByMIME[strings.ToLower(mediaType)]; ok {
			return canonical, true
		}
	}
	canonical, ok := documentTypesByExtension[strings.ToLower(filepath.Ext(strings.TrimSpace(fileName)))]
	return canonical, ok
}

func cleanFileName(name string) string {
	name = strings.ReplaceAll(strings.TrimSpace(name), "\\", "/")
	return filepath.Base(name)
}
