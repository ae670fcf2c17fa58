// utils/http.go (example)
package utils

import (
	"net/http"
	"time"
)

var HTTPClient = &http.Client{
	Timeout: 10 * time.Second, // collaborator lookups, not blockchain waits
}
