// Package validation содержит функции валидации входных данных.
package validation

// IsCardNumber проверяет, что номер карты состоит ровно из 16 цифр.
func IsCardNumber(number string) bool {
	return isDigits(number, 16)
}

// IsExpiry проверяет срок действия карты в формате MM/YY.
func IsExpiry(expiry string) bool {
	if len(expiry) != 5 || expiry[2] != '/' {
		return false
	}
	return isDigits(expiry[:2], 2) && isDigits(expiry[3:], 2)
}

// IsCVV проверяет, что код CVV состоит ровно из 3 цифр.
func IsCVV(cvv string) bool {
	return isDigits(cvv, 3)
}

func isDigits(s string, n int) bool {
	if len(s) != n {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}
