package crawler

import "fmt"

type FetchError struct {
	URL        string
	StatusCode int
	Message    string
}

func (e *FetchError) Error() string {
	if e == nil {
		return ""
	}
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d: %s", e.URL, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("fetch %s: %s", e.URL, e.Message)
}
