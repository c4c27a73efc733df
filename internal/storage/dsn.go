package storage

import "strings"

// sqliteDSN accepts plain sqlite3 DSNs as well as sqlite:// and sqlite3:// URLs
func sqliteDSN(url string) string {
	for _, prefix := range []string{"sqlite3://", "sqlite://"} {
		if strings.HasPrefix(url, prefix) {
			return strings.TrimPrefix(url, prefix)
		}
	}
	return url
}
