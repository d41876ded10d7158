package alpaca

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"

	log "github.com/sirupsen/logrus"
)

// Global transaction counter
var txCounter atomic.Uint32

func nextServerTxID() uint32 {
	return txCounter.Add(1)
}

type baseResponse struct {
	ClientTransactionID uint32 `json:"ClientTransactionID"`
	ServerTransactionID uint32 `json:"ServerTransactionID"`
	ErrorNumber         int    `json:"ErrorNumber"`
	ErrorMessage        string `json:"ErrorMessage"`
	Value               any    `json:"Value,omitempty"`
}

// Helper to read and parse the request body as URL-encoded data.
func parseBodyParams(r *http.Request) (url.Values, error) {
	bodyBytes, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	// Reset the body so it can be read again later.
	r.Body = io.NopCloser(bytes.NewBuffer(bodyBytes))
	return url.ParseQuery(string(bodyBytes))
}

// requestParams returns the request parameters. PUT requests carry them in
// the body, GET requests in the URL.
func requestParams(r *http.Request) url.Values {
	if r.Method == http.MethodPut {
		params, err := parseBodyParams(r)
		if err != nil {
			return url.Values{}
		}
		return params
	}
	return r.URL.Query()
}

// lookupParam finds a parameter ignoring the case of its name.
func lookupParam(params url.Values, name string) (string, bool) {
	for param, value := range params {
		if strings.EqualFold(param, name) && len(value) > 0 {
			return value[0], true
		}
	}
	return "", false
}

// getClientTxID obtains the client transaction ID from the request
// parameters. The ID is optional, but when present it must be a valid
// unsigned integer.
func getClientTxID(params url.Values, path string) (uint32, error) {
	if strings.HasPrefix(path, "/management") {
		return 0, nil
	}

	value, ok := lookupParam(params, "ClientTransactionID")
	if !ok {
		return 0, nil
	}
	id, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		return 0, errors.New("ClientTransactionID must be an integer")
	}
	if id < 0 || id > int64(^uint32(0)) {
		return 0, errors.New("ClientTransactionID must be non-negative")
	}
	return uint32(id), nil
}

// handleResponse writes the standard JSON envelope. The value is omitted
// when code is not OK.
func handleResponse(w http.ResponseWriter, r *http.Request, value any, code ErrorCode) {
	txID, err := getClientTxID(requestParams(r), r.URL.Path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	response := baseResponse{
		ServerTransactionID: nextServerTxID(),
		ClientTransactionID: txID,
		ErrorNumber:         int(code),
		ErrorMessage:        code.Message(),
	}
	if code == OK && value != nil {
		response.Value = value
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(response); err != nil {
		log.Debugf("Error writing response: %v", err)
	}
}

// handleMgm adapts a management function to an http.Handler.
func handleMgm(fn func(r *http.Request) (any, error)) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value, err := fn(r)
		handleResponse(w, r, value, CodeOf(err))
	})
}

// rawParams converts request parameters to the "Key=value" form consumed
// by the command dispatchers.
func rawParams(params url.Values) []string {
	raw := make([]string, 0, len(params))
	for key, values := range params {
		for _, v := range values {
			raw = append(raw, key+"="+v)
		}
	}
	return raw
}
