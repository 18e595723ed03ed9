// Package validation содержит функции валидации входных данных.
package validation

const maxRefLength = 512

// IsValidRef проверяет корректность непрозрачной ссылки (доказательства,
// счета или плательщика). Сервис не интерпретирует содержимое ссылки,
// но требует непустую строку из печатаемых ASCII-символов без пробелов.
func IsValidRef(ref string) bool {
	if ref == "" || len(ref) > maxRefLength {
		return false
	}

	for i := 0; i < len(ref); i++ {
		ch := ref[i]
		if ch <= ' ' || ch > '~' {
			return false
		}
	}

	return true
}
