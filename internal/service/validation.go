// validation.go — проверка файла политикой загрузки до приёма в очередь.
package service

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gabriel-vasile/mimetype"

	"github.com/bigkaa/goartstore/upload-manager/internal/domain/model"
)

// Причины отказа в приёме файла.
const (
	ReasonTypeNotAllowed = "File type not allowed"
	ReasonEmptyName      = "File name is empty"
	ReasonInvalidSize    = "File size is invalid"
)

// ValidationError — файл отклонён до приёма в очередь.
// Сообщается по каждому файлу и не прерывает пакет.
type ValidationError struct {
	// Name — имя отклонённого файла
	Name string `json:"name"`
	// Reasons — причины отказа в порядке проверки
	Reasons []string `json:"reasons"`
	// TooLarge — среди причин есть превышение размера (HTTP 413)
	TooLarge bool `json:"-"`
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Name, strings.Join(e.Reasons, ", "))
}

// Validator — Validation Gate: размер и префикс MIME-типа.
type Validator struct {
	policy model.UploadPolicy
}

// NewValidator создаёт проверку для неизменяемой политики.
func NewValidator(policy model.UploadPolicy) *Validator {
	return &Validator{policy: policy}
}

// Policy возвращает политику проверки.
func (v *Validator) Policy() model.UploadPolicy {
	return v.policy
}

// Validate возвращает *ValidationError со всеми причинами отказа
// или nil, если файл допустим.
func (v *Validator) Validate(name string, size int64, mimeType string) error {
	var reasons []string
	tooLarge := false

	if strings.TrimSpace(name) == "" {
		reasons = append(reasons, ReasonEmptyName)
	}
	if size < 0 {
		reasons = append(reasons, ReasonInvalidSize)
	} else if size > v.policy.MaxFileSize {
		reasons = append(reasons, fmt.Sprintf("File size exceeds %s", humanize.IBytes(uint64(v.policy.MaxFileSize))))
		tooLarge = true
	}
	if !v.typeAllowed(mimeType) {
		reasons = append(reasons, ReasonTypeNotAllowed)
	}

	if len(reasons) == 0 {
		return nil
	}
	return &ValidationError{Name: name, Reasons: reasons, TooLarge: tooLarge}
}

// typeAllowed проверяет MIME-тип по префиксам политики. Пустой список — любые.
func (v *Validator) typeAllowed(mimeType string) bool {
	if len(v.policy.AllowedTypes) == 0 {
		return true
	}
	mimeType = strings.ToLower(mimeType)
	for _, prefix := range v.policy.AllowedTypes {
		if strings.HasPrefix(mimeType, strings.ToLower(prefix)) {
			return true
		}
	}
	return false
}

// detectContentType определяет MIME-тип файла.
// Заявленный тип очищается от параметров (charset и т.д.); если он не указан
// или общий (application/octet-stream), тип определяется по содержимому.
func detectContentType(declared string, data []byte) string {
	if idx := strings.Index(declared, ";"); idx != -1 {
		declared = declared[:idx]
	}
	declared = strings.ToLower(strings.TrimSpace(declared))
	if declared != "" && declared != "application/octet-stream" {
		return declared
	}
	if len(data) == 0 {
		return "application/octet-stream"
	}

	detected := mimetype.Detect(data).String()
	if idx := strings.Index(detected, ";"); idx != -1 {
		detected = detected[:idx]
	}
	return detected
}
