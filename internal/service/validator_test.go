package service

import (
	"context"
	"errors"
	"testing"

	"github.com/fileflow/relay-portal/internal/domain/model"
)

func TestFileExtension(t *testing.T) {
	tests := map[string]string{
		"report.txt":       "txt",
		"REPORT.TXT":       "txt",
		"archive.tar.gz":   "gz",
		"nota.XmL":         "xml",
		"README":           "",
		"archive.":         "",
		".hidden":          "hidden",
		"sped_202310.txt":  "txt",
		"":                 "",
	}
	for name, want := range tests {
		if got := FileExtension(name); got != want {
			t.Errorf("FileExtension(%q) = %q, ожидалось %q", name, got, want)
		}
	}
}

func TestCheckFile(t *testing.T) {
	rule := &model.DocumentTypeRule{ID: "nfe", AllowedExtensions: []string{"xml", "zip"}}

	tests := []struct {
		name      string
		fileName  string
		size      int64
		wantValid bool
	}{
		{"xml", "nota.xml", 100, true},
		{"zip в верхнем регистре", "LOTE.ZIP", 100, true},
		{"ровно лимит", "nota.xml", 1000, true},
		{"больше лимита", "nota.xml", 1001, false},
		{"недопустимое расширение", "nota.pdf", 100, false},
		{"нет расширения", "nota", 100, false},
		{"точка в конце", "nota.", 100, false},
		{"отрицательный размер", "nota.xml", -1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := CheckFile(tt.fileName, tt.size, rule, 1000)
			if v.Valid != tt.wantValid {
				t.Errorf("Valid = %v, ожидалось %v (reason %q)", v.Valid, tt.wantValid, v.Reason)
			}
			if !v.Valid && v.Reason == "" {
				t.Error("для невалидного файла Reason должен быть заполнен")
			}
		})
	}
}

func TestFileValidator_Validate(t *testing.T) {
	access := &mockAccessRepo{rules: map[string]*model.DocumentTypeRule{
		"sped": {ID: "sped", AllowedExtensions: []string{"txt"}},
	}}
	v := NewFileValidator(access, 1024)

	verdict, err := v.Validate(context.Background(), "sped.txt", 10, "sped")
	if err != nil || !verdict.Valid {
		t.Errorf("Validate(sped.txt) = %+v, %v", verdict, err)
	}

	verdict, err = v.Validate(context.Background(), "sped.txt", 10, "unknown")
	if err != nil {
		t.Fatalf("неизвестный тип не должен быть ошибкой: %v", err)
	}
	if verdict.Valid {
		t.Error("неизвестный тип документа должен быть Invalid")
	}

	access.getRuleFn = func(context.Context, string) (*model.DocumentTypeRule, error) {
		return nil, errors.New("timeout")
	}
	if _, err := v.Validate(context.Background(), "sped.txt", 10, "sped"); err == nil {
		t.Error("ожидалась ошибка при сбое чтения правил")
	}
}
