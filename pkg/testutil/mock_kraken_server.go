// Package testutil provides a stub Kraken GraphQL server for tests.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"
)

// Kraken error codes the stub emits.
const (
	CodeInvalidCredentials = "KT-CT-1138"
	CodeTokenExpired       = "KT-CT-1124"
)

// GraphQLRequest is a request received by the stub.
type GraphQLRequest struct {
	OperationName string         `json:"operationName"`
	Query         string         `json:"query"`
	Variables     map[string]any `json:"variables"`
	Authorization string         `json:"-"`
	Time          time.Time      `json:"-"`
}

// MockKrakenServer simulates the Kraken GraphQL endpoint. Tokens are issued by
// obtainKrakenToken and stay valid until ExpireTokens is called.
type MockKrakenServer struct {
	server *httptest.Server

	mu           sync.Mutex
	email        string
	password     string
	issued       int
	validTokens  map[string]bool
	rejectTokens bool
	accounts     []string
	ledgers      map[string][]map[string]any
	devices      map[string][]map[string]any
	overrides    map[string]string
	statuses     map[string]int
	delay        time.Duration
	requests     []GraphQLRequest
}

// NewMockKrakenServer starts a stub accepting the given credentials.
func NewMockKrakenServer(email, password string) *MockKrakenServer {
	s := &MockKrakenServer{
		email:       email,
		password:    password,
		validTokens: make(map[string]bool),
		ledgers:     make(map[string][]map[string]any),
		devices:     make(map[string][]map[string]any),
		overrides:   make(map[string]string),
		statuses:    make(map[string]int),
	}
	s.server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// URL returns the GraphQL endpoint URL.
func (s *MockKrakenServer) URL() string {
	return s.server.URL + "/v1/graphql/"
}

// Close shuts the server down.
func (s *MockKrakenServer) Close() {
	s.server.Close()
}

// SetAccounts sets the accounts returned by viewer.accounts.
func (s *MockKrakenServer) SetAccounts(accounts ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.accounts = accounts
}

// SetLedgers sets the raw ledgers returned for an account.
func (s *MockKrakenServer) SetLedgers(account string, ledgers ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[account] = ledgers
}

// SetDevices sets the raw devices returned for an account.
func (s *MockKrakenServer) SetDevices(account string, devices ...map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[account] = devices
}

// SetResponse makes op answer with the raw JSON body instead of the built-in
// behaviour. Token checks still apply.
func (s *MockKrakenServer) SetResponse(op, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.overrides[op] = body
}

// SetStatus makes op answer with the given HTTP status. Zero restores the
// normal response.
func (s *MockKrakenServer) SetStatus(op string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status == 0 {
		delete(s.statuses, op)
		return
	}
	s.statuses[op] = status
}

// SetDelay delays every response.
func (s *MockKrakenServer) SetDelay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delay = d
}

// ExpireTokens invalidates every token issued so far.
func (s *MockKrakenServer) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.validTokens = make(map[string]bool)
}

// RejectAllTokens makes every authenticated call fail, including ones made
// with freshly issued tokens.
func (s *MockKrakenServer) RejectAllTokens(reject bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rejectTokens = reject
}

// Requests returns every request received so far.
func (s *MockKrakenServer) Requests() []GraphQLRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]GraphQLRequest, len(s.requests))
	copy(out, s.requests)
	return out
}

// Count returns the number of requests received for op.
func (s *MockKrakenServer) Count(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if r.OperationName == op {
			n++
		}
	}
	return n
}

// LastRequest returns the most recent request for op.
func (s *MockKrakenServer) LastRequest(op string) (GraphQLRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].OperationName == op {
			return s.requests[i], true
		}
	}
	return GraphQLRequest{}, false
}

func (s *MockKrakenServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req GraphQLRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	req.Authorization = r.Header.Get("Authorization")
	req.Time = time.Now()

	s.mu.Lock()
	s.requests = append(s.requests, req)
	delay := s.delay
	status, hasStatus := s.statuses[req.OperationName]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if hasStatus {
		w.WriteHeader(status)
		fmt.Fprint(w, `{"detail":"stub status"}`)
		return
	}

	w.Header().Set("Content-Type", "application/json")

	if req.OperationName == "obtainKrakenToken" {
		s.handleLogin(w, req)
		return
	}

	s.mu.Lock()
	authorized := !s.rejectTokens && s.validTokens[req.Authorization]
	override, hasOverride := s.overrides[req.OperationName]
	s.mu.Unlock()

	if !authorized {
		writeErrors(w, CodeTokenExpired, "Signature of the JWT has expired.")
		return
	}
	if hasOverride {
		fmt.Fprint(w, override)
		return
	}

	switch req.OperationName {
	case "getAccountNames":
		s.handleAccounts(w)
	case "getAccountBillingInfo":
		s.handleBilling(w, req)
	case "getDevices":
		s.handleDevices(w, req)
	case "setDevicePreferences":
		s.handleSetPreferences(w, req)
	case "triggerBoostCharge":
		writeData(w, map[string]any{"triggerBoostCharge": map[string]any{"id": "boost-1"}})
	default:
		writeErrors(w, "KT-CT-0000", fmt.Sprintf("unknown operation %q", req.OperationName))
	}
}

func (s *MockKrakenServer) handleLogin(w http.ResponseWriter, req GraphQLRequest) {
	input, _ := req.Variables["input"].(map[string]any)
	email, _ := input["email"].(string)
	password, _ := input["password"].(string)

	s.mu.Lock()
	if email != s.email || password != s.password {
		s.mu.Unlock()
		writeErrors(w, CodeInvalidCredentials, "Invalid data.")
		return
	}
	s.issued++
	token := fmt.Sprintf("token-%d", s.issued)
	s.validTokens[token] = true
	s.mu.Unlock()

	writeData(w, map[string]any{"obtainKrakenToken": map[string]any{"token": token}})
}

func (s *MockKrakenServer) handleAccounts(w http.ResponseWriter) {
	s.mu.Lock()
	accounts := make([]map[string]any, 0, len(s.accounts))
	for _, a := range s.accounts {
		accounts = append(accounts, map[string]any{"number": a})
	}
	s.mu.Unlock()

	writeData(w, map[string]any{"viewer": map[string]any{"accounts": accounts}})
}

func (s *MockKrakenServer) handleBilling(w http.ResponseWriter, req GraphQLRequest) {
	account, _ := req.Variables["account"].(string)
	s.mu.Lock()
	ledgers := s.ledgers[account]
	s.mu.Unlock()
	if ledgers == nil {
		ledgers = []map[string]any{}
	}

	writeData(w, map[string]any{"accountBillingInfo": map[string]any{"ledgers": ledgers}})
}

func (s *MockKrakenServer) handleDevices(w http.ResponseWriter, req GraphQLRequest) {
	account, _ := req.Variables["account"].(string)
	s.mu.Lock()
	devices := s.devices[account]
	s.mu.Unlock()
	if devices == nil {
		devices = []map[string]any{}
	}

	writeData(w, map[string]any{"devices": devices})
}

func (s *MockKrakenServer) handleSetPreferences(w http.ResponseWriter, req GraphQLRequest) {
	input, _ := req.Variables["input"].(map[string]any)
	deviceID, _ := input["deviceId"].(string)

	s.mu.Lock()
	for _, devices := range s.devices {
		for _, d := range devices {
			if d["id"] == deviceID {
				d["preferences"] = map[string]any{
					"mode":      input["mode"],
					"unit":      input["unit"],
					"schedules": input["schedules"],
				}
			}
		}
	}
	s.mu.Unlock()

	writeData(w, map[string]any{"setDevicePreferences": map[string]any{"id": deviceID}})
}

func writeData(w http.ResponseWriter, data any) {
	_ = json.NewEncoder(w).Encode(map[string]any{"data": data})
}

func writeErrors(w http.ResponseWriter, code, message string) {
	_ = json.NewEncoder(w).Encode(map[string]any{
		"data": nil,
		"errors": []map[string]any{{
			"message":    message,
			"extensions": map[string]any{"errorCode": code},
		}},
	})
}

// Ledger builds a raw ledger entry. A nil statement yields an empty statement list.
func Ledger(ledgerType string, balance int, statement map[string]any) map[string]any {
	edges := []map[string]any{}
	if statement != nil {
		edges = append(edges, map[string]any{"node": statement})
	}
	return map[string]any{
		"ledgerType": ledgerType,
		"balance":    balance,
		"statementsWithDetails": map[string]any{
			"edges": edges,
		},
	}
}

// Statement builds a raw statement node.
func Statement(amount int, start, end, issued string) map[string]any {
	return map[string]any{
		"amount":               amount,
		"consumptionStartDate": start,
		"consumptionEndDate":   end,
		"issuedDate":           issued,
	}
}

// Vehicle builds a raw SmartFlexVehicle with a schedule. Each schedule entry
// is {day, "HH:MM:SS", max}.
func Vehicle(id string, schedule ...[3]any) map[string]any {
	schedules := make([]any, 0, len(schedule))
	for _, e := range schedule {
		schedules = append(schedules, map[string]any{
			"dayOfWeek": e[0],
			"time":      e[1],
			"max":       e[2],
		})
	}
	return map[string]any{
		"id":         id,
		"name":       "Vehicle " + id,
		"deviceType": "ELECTRIC_VEHICLES",
		"make":       "Tesla",
		"model":      "Model 3",
		"status": map[string]any{
			"current":      "LIVE",
			"currentState": "SMART_CONTROL_CAPABLE",
			"isSuspended":  false,
		},
		"alerts": []any{},
		"preferences": map[string]any{
			"mode":      "CHARGE",
			"unit":      "PERCENTAGE",
			"schedules": schedules,
		},
	}
}
