package model

// DocumentTypeRule: справочник типа документа.
// Принадлежит внешней подсистеме управления, для relay: только чтение.
type DocumentTypeRule struct {
	ID          string
	Name        string
	Description string
	// AllowedExtensions: расширения в нижнем регистре без точки
	AllowedExtensions []string
}

// Allows проверяет, входит ли расширение в список допустимых.
func (r *DocumentTypeRule) Allows(ext string) bool {
	for _, a := range r.AllowedExtensions {
		if a == ext {
			return true
		}
	}
	return false
}
