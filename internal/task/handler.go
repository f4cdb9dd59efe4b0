package task

import (
	"encoding/json"
	"net/http"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

type HandlerType string

const (
	HandlerFunction HandlerType = "function"
	HandlerHTTP     HandlerType = "http"
	HandlerService  HandlerType = "service"
)

// Handler is a tagged union: Type selects which one of Function, HTTP or
// Service is populated. It is stored as JSON in tasks.handler.
type Handler struct {
	Type     HandlerType   `json:"type"`
	Function *FunctionSpec `json:"function,omitempty"`
	HTTP     *HTTPSpec     `json:"http,omitempty"`
	Service  *ServiceSpec  `json:"service,omitempty"`
}

type FunctionSpec struct {
	Name   string         `json:"name"`
	Params map[string]any `json:"params,omitempty"`
}

type HTTPSpec struct {
	Method         string            `json:"method,omitempty"` // default GET
	URL            string            `json:"url"`
	Headers        map[string]string `json:"headers,omitempty"`
	Body           string            `json:"body,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"` // 0 means handler default
}

type ServiceSpec struct {
	Service string         `json:"service"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params,omitempty"`
}

func wrapInvalid(msg string) error {
	return errors.Wrap(ErrInvalidTask, msg)
}

func invalidHandler(format string, args ...any) error {
	return errors.Wrapf(ErrInvalidHandler, format, args...)
}

// Validate requires exactly one populated variant and that it matches Type.
func (h Handler) Validate() error {
	n := 0
	if h.Function != nil {
		n++
	}
	if h.HTTP != nil {
		n++
	}
	if h.Service != nil {
		n++
	}
	if n != 1 {
		return invalidHandler("exactly one of function/http/service must be set (got %d)", n)
	}

	switch h.Type {
	case HandlerFunction:
		if h.Function == nil {
			return invalidHandler("type function without function spec")
		}
		if strings.TrimSpace(h.Function.Name) == "" {
			return invalidHandler("function.name is required")
		}
	case HandlerHTTP:
		if h.HTTP == nil {
			return invalidHandler("type http without http spec")
		}
		u, err := url.Parse(strings.TrimSpace(h.HTTP.URL))
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return invalidHandler("http.url must be an absolute http(s) URL")
		}
		if m := h.HTTP.Method; m != "" && !validMethod(m) {
			return invalidHandler("http.method %q not supported", m)
		}
		if h.HTTP.TimeoutSeconds < 0 {
			return invalidHandler("http.timeout_seconds must be >= 0")
		}
	case HandlerService:
		if h.Service == nil {
			return invalidHandler("type service without service spec")
		}
		if strings.TrimSpace(h.Service.Service) == "" || strings.TrimSpace(h.Service.Method) == "" {
			return invalidHandler("service.service and service.method are required")
		}
	default:
		return invalidHandler("unknown type %q", h.Type)
	}
	return nil
}

func validMethod(m string) bool {
	switch strings.ToUpper(m) {
	case http.MethodGet, http.MethodPost, http.MethodPut, http.MethodPatch,
		http.MethodDelete, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

// Identity is the part of a handler that built-in tasks may not change:
// the type plus the function name, service+method, or method+URL.
// Params, headers, body and timeouts are not part of it.
func (h Handler) Identity() string {
	switch h.Type {
	case HandlerFunction:
		if h.Function != nil {
			return "function:" + h.Function.Name
		}
	case HandlerHTTP:
		if h.HTTP != nil {
			m := strings.ToUpper(h.HTTP.Method)
			if m == "" {
				m = http.MethodGet
			}
			return "http:" + m + " " + h.HTTP.URL
		}
	case HandlerService:
		if h.Service != nil {
			return "service:" + h.Service.Service + "." + h.Service.Method
		}
	}
	return string(h.Type)
}

// ParseHandler decodes and validates a JSON handler descriptor.
func ParseHandler(raw []byte) (Handler, error) {
	var h Handler
	if err := json.Unmarshal(raw, &h); err != nil {
		return Handler{}, errors.Wrap(ErrInvalidHandler, err.Error())
	}
	if err := h.Validate(); err != nil {
		return Handler{}, err
	}
	return h, nil
}

// decodeHandler decodes without validating.
func decodeHandler(raw string) Handler {
	var h Handler
	_ = json.Unmarshal([]byte(raw), &h)
	return h
}

func (h Handler) encode() (string, error) {
	b, err := json.Marshal(h)
	if err != nil {
		return "", errors.Wrap(err, "encode handler")
	}
	return string(b), nil
}
