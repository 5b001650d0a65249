// validator.go: проверка расширения и размера файла перед relay.
package service

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/fileflow/relay-portal/internal/domain/model"
	"github.com/fileflow/relay-portal/internal/repository"
)

// Verdict: результат проверки файла. Невалидный файл, не ошибка.
type Verdict struct {
	Valid  bool
	Reason string
}

// RuleSource: источник правил типов документов.
type RuleSource interface {
	GetDocumentType(ctx context.Context, documentTypeID string) (*model.DocumentTypeRule, error)
}

// FileValidator проверяет файлы по правилам типа документа.
type FileValidator struct {
	rules   RuleSource
	maxSize int64
}

// NewFileValidator создаёт валидатор. maxSize: потолок размера файла в байтах.
func NewFileValidator(rules RuleSource, maxSize int64) *FileValidator {
	return &FileValidator{rules: rules, maxSize: maxSize}
}

// Validate проверяет имя и размер файла для типа документа.
// Ошибка возвращается только при сбое чтения правил.
func (v *FileValidator) Validate(ctx context.Context, fileName string, fileSizeBytes int64, documentTypeID string) (Verdict, error) {
	rule, err := v.rules.GetDocumentType(ctx, documentTypeID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return Verdict{Reason: fmt.Sprintf("неизвестный тип документа %q", documentTypeID)}, nil
		}
		return Verdict{}, fmt.Errorf("получение правил типа документа: %w", err)
	}
	return CheckFile(fileName, fileSizeBytes, rule, v.maxSize), nil
}

// CheckFile: чистая проверка файла по правилу.
func CheckFile(fileName string, fileSizeBytes int64, rule *model.DocumentTypeRule, maxSize int64) Verdict {
	ext := FileExtension(fileName)
	if ext == "" {
		return Verdict{Reason: "у файла нет расширения"}
	}
	if !rule.Allows(ext) {
		return Verdict{Reason: fmt.Sprintf("расширение .%s не допускается для %s, допустимые: %s",
			ext, rule.ID, strings.Join(rule.AllowedExtensions, ", "))}
	}
	if fileSizeBytes < 0 {
		return Verdict{Reason: "некорректный размер файла"}
	}
	if fileSizeBytes > maxSize {
		return Verdict{Reason: fmt.Sprintf("размер файла %d байт превышает лимит %d байт", fileSizeBytes, maxSize)}
	}
	return Verdict{Valid: true}
}

// FileExtension возвращает расширение после последней точки в нижнем регистре.
// Пустая строка: расширения нет ("README", "archive.").
func FileExtension(fileName string) string {
	idx := strings.LastIndex(fileName, ".")
	if idx < 0 || idx == len(fileName)-1 {
		return ""
	}
	return strings.ToLower(fileName[idx+1:])
}
