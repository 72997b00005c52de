package proxy

import "net/http"

type requestKind uint8

const (
	kindUnsupported requestKind = iota
	kindRead
	kindWrite
	kindDelete
)

func kindFromMethod(method string) requestKind {
	switch method {
	case http.MethodGet:
		return kindRead
	case http.MethodPut:
		return kindWrite
	case http.MethodDelete:
		return kindDelete
	default:
		return kindUnsupported
	}
}

// String returns the label used in metrics
func (k requestKind) String() string {
	switch k {
	case kindRead:
		return http.MethodGet
	case kindWrite:
		return http.MethodPut
	case kindDelete:
		return http.MethodDelete
	default:
		return "other"
	}
}
