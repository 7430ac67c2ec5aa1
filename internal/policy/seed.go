package policy

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/xela07ax/fraudgate/internal/domain"
)

// LoadSeedDocument читает стартовый документ политики из файла.
// Отсутствие файла — не ошибка: Bootstrap в этом случае возьмет
// встроенный fallback. Битый файл — ошибка: молча стартовать
// не с той политикой, что ожидал оператор, нельзя.
func LoadSeedDocument(path string) (*domain.PolicyDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("policy: read seed file: %w", err)
	}

	var doc domain.PolicyDocument
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("policy: parse seed file %s: %w", path, err)
	}
	if err := doc.Validate(); err != nil {
		return nil, fmt.Errorf("policy: seed file %s: %w", path, err)
	}
	return &doc, nil
}
