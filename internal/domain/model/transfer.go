package model

import "time"

// TransferState: состояние попытки relay.
type TransferState string

const (
	// StatePending: запись создана, доставка не начата
	StatePending TransferState = "pending"
	// StateProcessing: идёт разрешение назначения и доставка
	StateProcessing TransferState = "processing"
	// StateCompleted: файл доставлен (терминальное)
	StateCompleted TransferState = "completed"
	// StateError: попытка завершилась ошибкой (терминальное)
	StateError TransferState = "error"
)

// TransferRecord: одна попытка relay файла на FTP-назначение.
// Хранится в таблице transfer_records.
type TransferRecord struct {
	// ID: UUID записи
	ID string
	// IdentityID: sub инициатора из JWT
	IdentityID string
	// TenantID: компания-владелец
	TenantID string
	// DocumentTypeID: тип документа (SPED, NFE, ...)
	DocumentTypeID string
	// ReferenceMonth: отчётный период YYYY-MM
	ReferenceMonth string
	FileName       string
	FileSizeBytes  int64
	State          TransferState
	// ErrorDetail: диагностика, заполнена только в состоянии error
	ErrorDetail *string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TransferFilter: фильтры выборки истории relay.
// nil-поле означает отсутствие фильтра.
type TransferFilter struct {
	TenantIDs      []string
	TenantID       *string
	State          *TransferState
	ReferenceMonth *string
}

// FileKey: ключ файла для производного «последнего статуса».
type FileKey struct {
	TenantID       string
	DocumentTypeID string
	ReferenceMonth string
	FileName       string
}
