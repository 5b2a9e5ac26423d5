package fhir

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/couchbase/gocb/v2"
)

// ---------------------------------------------------------------------------
// ParseTransactionBundle tests
// ---------------------------------------------------------------------------

func TestParseTransactionBundle_ValidTransaction(t *testing.T) {
	body := `{
		"resourceType": "Bundle",
		"type": "transaction",
		"entry": [
			{
				"fullUrl": "urn:uuid:1111",
				"resource": {"resourceType": "Patient", "name": [{"family": "Doe"}]},
				"request": {"method": "POST", "url": "Patient"}
			}
		]
	}`

	b, err := ParseTransactionBundle([]byte(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Type != "transaction" {
		t.Errorf("expected type transaction, got %s", b.Type)
	}
	if b.ResourceType != "Bundle" {
		t.Errorf("expected resourceType Bundle, got %s", b.ResourceType)
	}
	if len(b.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(b.Entries))
	}
	if b.Entries[0].FullURL != "urn:uuid:1111" {
		t.Errorf("expected fullUrl urn:uuid:1111, got %s", b.Entries[0].FullURL)
	}
	if b.Entries[0].Request.Method != "POST" {
		t.Errorf("expected method POST, got %s", b.Entries[0].Request.Method)
	}
	if b.Entries[0].Resource["resourceType"] != "Patient" {
		t.Errorf("expected resourceType Patient in resource")
	}
}

func TestParseTransactionBundle_ValidBatch(t *testing.T) {
	body := `{
		"resourceType": "Bundle",
		"type": "batch",
		"entry": [
			{"request": {"method": "GET", "url": "Patient/1"}},
			{"request": {"method": "DELETE", "url": "Patient/2"}}
		]
	}`

	b, err := ParseTransactionBundle([]byte(body))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Type != "batch" {
		t.Errorf("expected type batch, got %s", b.Type)
	}
	if len(b.Entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(b.Entries))
	}
}

func TestParseTransactionBundle_InvalidJSON(t *testing.T) {
	_, err := ParseTransactionBundle([]byte(`{not json`))
	if err == nil {
		t.Fatal("expected error for invalid JSON")
	}
}

func TestParseTransactionBundle_WrongResourceType(t *testing.T) {
	_, err := ParseTransactionBundle([]byte(`{"resourceType": "Patient", "type": "transaction"}`))
	if err == nil {
		t.Fatal("expected error for non-Bundle resourceType")
	}
	if !strings.Contains(err.Error(), "Bundle") {
		t.Errorf("expected error to mention Bundle, got: %v", err)
	}
}

func TestParseTransactionBundle_MissingType(t *testing.T) {
	_, err := ParseTransactionBundle([]byte(`{"resourceType": "Bundle"}`))
	if err == nil {
		t.Fatal("expected error for missing bundle type")
	}
}

func TestParseTransactionBundle_InvalidEntryResource(t *testing.T) {
	body := `{
		"resourceType": "Bundle",
		"type": "batch",
		"entry": [{"resource": "not an object", "request": {"method": "POST", "url": "Patient"}}]
	}`
	_, err := ParseTransactionBundle([]byte(body))
	if err == nil {
		t.Fatal("expected error for malformed entry resource")
	}
}

// ---------------------------------------------------------------------------
// ValidateTransactionBundle tests
// ---------------------------------------------------------------------------

func TestValidateTransactionBundle_ValidTransaction(t *testing.T) {
	bundle := &TransactionBundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entries: []TransactionEntry{
			{FullURL: "urn:uuid:1", Request: BundleEntryRequest{Method: "POST", URL: "Patient"}},
		},
	}
	issues := ValidateTransactionBundle(bundle)
	if len(issues) != 0 {
		t.Errorf("expected no issues, got %v", issues)
	}
}

func TestValidateTransactionBundle_InvalidType(t *testing.T) {
	bundle := &TransactionBundle{Type: "document"}
	issues := ValidateTransactionBundle(bundle)
	if len(issues) == 0 {
		t.Fatal("expected an issue for invalid bundle type")
	}
}

func TestValidateTransactionBundle_MissingMethod(t *testing.T) {
	bundle := &TransactionBundle{
		Type: "batch",
		Entries: []TransactionEntry{
			{Request: BundleEntryRequest{URL: "Patient"}},
		},
	}
	issues := ValidateTransactionBundle(bundle)
	found := false
	for _, i := range issues {
		if strings.Contains(i.Diagnostics, "request.method is required") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected missing-method issue, got %v", issues)
	}
}

func TestValidateTransactionBundle_InvalidMethod(t *testing.T) {
	bundle := &TransactionBundle{
		Type: "batch",
		Entries: []TransactionEntry{
			{Request: BundleEntryRequest{Method: "TRACE", URL: "Patient"}},
		},
	}
	issues := ValidateTransactionBundle(bundle)
	found := false
	for _, i := range issues {
		if strings.Contains(i.Diagnostics, "invalid HTTP method") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected invalid-method issue, got %v", issues)
	}
}

func TestValidateTransactionBundle_MissingURL(t *testing.T) {
	bundle := &TransactionBundle{
		Type: "batch",
		Entries: []TransactionEntry{
			{Request: BundleEntryRequest{Method: "GET"}},
		},
	}
	issues := ValidateTransactionBundle(bundle)
	found := false
	for _, i := range issues {
		if strings.Contains(i.Diagnostics, "request.url is required") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected missing-url issue, got %v", issues)
	}
}

func TestValidateTransactionBundle_TransactionRequiresFullURL(t *testing.T) {
	bundle := &TransactionBundle{
		Type: "transaction",
		Entries: []TransactionEntry{
			{Request: BundleEntryRequest{Method: "POST", URL: "Patient"}},
		},
	}
	issues := ValidateTransactionBundle(bundle)
	found := false
	for _, i := range issues {
		if strings.Contains(i.Diagnostics, "fullUrl is required") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected fullUrl-required issue for transaction entry, got %v", issues)
	}
}

func TestValidateTransactionBundle_BatchDoesNotRequireFullURL(t *testing.T) {
	bundle := &TransactionBundle{
		Type: "batch",
		Entries: []TransactionEntry{
			{Request: BundleEntryRequest{Method: "POST", URL: "Patient"}},
		},
	}
	issues := ValidateTransactionBundle(bundle)
	for _, i := range issues {
		if strings.Contains(i.Diagnostics, "fullUrl is required") {
			t.Errorf("did not expect fullUrl-required issue for batch entry, got %v", issues)
		}
	}
}

func TestValidateTransactionBundle_DuplicateFullURL(t *testing.T) {
	bundle := &TransactionBundle{
		Type: "transaction",
		Entries: []TransactionEntry{
			{FullURL: "urn:uuid:dup", Request: BundleEntryRequest{Method: "POST", URL: "Patient"}},
			{FullURL: "urn:uuid:dup", Request: BundleEntryRequest{Method: "POST", URL: "Observation"}},
		},
	}
	issues := ValidateTransactionBundle(bundle)
	found := false
	for _, i := range issues {
		if strings.Contains(i.Diagnostics, "duplicate fullUrl") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected duplicate-fullUrl issue, got %v", issues)
	}
}

func TestValidateTransactionBundle_CircularReference(t *testing.T) {
	bundle := &TransactionBundle{
		Type: "transaction",
		Entries: []TransactionEntry{
			{
				FullURL: "urn:uuid:a",
				Resource: map[string]interface{}{
					"resourceType": "Patient",
					"link":         map[string]interface{}{"reference": "urn:uuid:b"},
				},
				Request: BundleEntryRequest{Method: "POST", URL: "Patient"},
			},
			{
				FullURL: "urn:uuid:b",
				Resource: map[string]interface{}{
					"resourceType": "Patient",
					"link":         map[string]interface{}{"reference": "urn:uuid:a"},
				},
				Request: BundleEntryRequest{Method: "POST", URL: "Patient"},
			},
		},
	}
	issues := ValidateTransactionBundle(bundle)
	found := false
	for _, i := range issues {
		if strings.Contains(i.Diagnostics, "circular reference") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected circular-reference issue, got %v", issues)
	}
}

func TestValidateTransactionBundle_NoCircularReferenceForLinearChain(t *testing.T) {
	bundle := &TransactionBundle{
		Type: "transaction",
		Entries: []TransactionEntry{
			{
				FullURL:  "urn:uuid:a",
				Resource: map[string]interface{}{"resourceType": "Patient"},
				Request:  BundleEntryRequest{Method: "POST", URL: "Patient"},
			},
			{
				FullURL: "urn:uuid:b",
				Resource: map[string]interface{}{
					"resourceType": "Encounter",
					"subject":      map[string]interface{}{"reference": "urn:uuid:a"},
				},
				Request: BundleEntryRequest{Method: "POST", URL: "Encounter"},
			},
		},
	}
	issues := ValidateTransactionBundle(bundle)
	for _, i := range issues {
		if strings.Contains(i.Diagnostics, "circular reference") {
			t.Errorf("did not expect circular-reference issue for a linear chain, got %v", issues)
		}
	}
}

// ---------------------------------------------------------------------------
// SortTransactionEntries tests
// ---------------------------------------------------------------------------

func TestSortTransactionEntries_OrdersByMethod(t *testing.T) {
	entries := []TransactionEntry{
		{FullURL: "urn:uuid:get", Request: BundleEntryRequest{Method: "GET", URL: "Patient/1"}},
		{FullURL: "urn:uuid:delete", Request: BundleEntryRequest{Method: "DELETE", URL: "Patient/2"}},
		{FullURL: "urn:uuid:post", Request: BundleEntryRequest{Method: "POST", URL: "Patient"}},
		{FullURL: "urn:uuid:put", Request: BundleEntryRequest{Method: "PUT", URL: "Patient/3"}},
	}

	sorted := SortTransactionEntries(entries)
	if len(sorted) != 4 {
		t.Fatalf("expected 4 entries, got %d", len(sorted))
	}

	var order []string
	for _, e := range sorted {
		order = append(order, e.Request.Method)
	}
	want := []string{"POST", "PUT", "GET", "DELETE"}
	for i, m := range want {
		if order[i] != m {
			t.Errorf("expected position %d to be %s, got order %v", i, m, order)
			break
		}
	}
}

func TestSortTransactionEntries_StableWithinSameMethod(t *testing.T) {
	entries := []TransactionEntry{
		{FullURL: "urn:uuid:1", Request: BundleEntryRequest{Method: "POST", URL: "Patient"}},
		{FullURL: "urn:uuid:2", Request: BundleEntryRequest{Method: "POST", URL: "Observation"}},
	}
	sorted := SortTransactionEntries(entries)
	if sorted[0].FullURL != "urn:uuid:1" || sorted[1].FullURL != "urn:uuid:2" {
		t.Errorf("expected stable order to be preserved within POSTs, got %v, %v", sorted[0].FullURL, sorted[1].FullURL)
	}
}

func TestSortTransactionEntries_DoesNotMutateInput(t *testing.T) {
	entries := []TransactionEntry{
		{Request: BundleEntryRequest{Method: "DELETE"}},
		{Request: BundleEntryRequest{Method: "POST"}},
	}
	_ = SortTransactionEntries(entries)
	if entries[0].Request.Method != "DELETE" || entries[1].Request.Method != "POST" {
		t.Error("expected SortTransactionEntries to leave the original slice untouched")
	}
}

// ---------------------------------------------------------------------------
// ParseEntryURL tests
// ---------------------------------------------------------------------------

func TestParseEntryURL(t *testing.T) {
	tests := []struct {
		url          string
		wantType     string
		wantID       string
		wantIsSearch bool
	}{
		{"Patient/123", "Patient", "123", false},
		{"Patient?name=Smith", "Patient", "", true},
		{"Patient", "Patient", "", false},
		{"Observation/456/_history/2", "Observation", "456", false},
	}

	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			rt, id, isSearch := ParseEntryURL(tt.url)
			if rt != tt.wantType {
				t.Errorf("resourceType: got %q, want %q", rt, tt.wantType)
			}
			if id != tt.wantID {
				t.Errorf("id: got %q, want %q", id, tt.wantID)
			}
			if isSearch != tt.wantIsSearch {
				t.Errorf("isSearch: got %v, want %v", isSearch, tt.wantIsSearch)
			}
		})
	}
}

// ---------------------------------------------------------------------------
// ResolveInternalReferences tests
// ---------------------------------------------------------------------------

func TestResolveInternalReferences_ReplacesNestedReference(t *testing.T) {
	entries := []TransactionEntry{
		{
			Resource: map[string]interface{}{
				"resourceType": "Encounter",
				"subject":      map[string]interface{}{"reference": "urn:uuid:patient-1"},
			},
			Request: BundleEntryRequest{Method: "POST", URL: "Encounter?subject=urn:uuid:patient-1"},
		},
	}
	idMap := map[string]string{"urn:uuid:patient-1": "Patient/abc123"}

	ResolveInternalReferences(entries, idMap)

	subject := entries[0].Resource["subject"].(map[string]interface{})
	if subject["reference"] != "Patient/abc123" {
		t.Errorf("expected reference to be resolved, got %v", subject["reference"])
	}
	if entries[0].Request.URL != "Encounter?subject=Patient/abc123" {
		t.Errorf("expected URL reference to be resolved, got %s", entries[0].Request.URL)
	}
}

func TestResolveInternalReferences_LeavesUnmappedReferencesUntouched(t *testing.T) {
	entries := []TransactionEntry{
		{
			Resource: map[string]interface{}{
				"subject": map[string]interface{}{"reference": "urn:uuid:unknown"},
			},
			Request: BundleEntryRequest{URL: "Encounter"},
		},
	}
	ResolveInternalReferences(entries, map[string]string{})

	subject := entries[0].Resource["subject"].(map[string]interface{})
	if subject["reference"] != "urn:uuid:unknown" {
		t.Errorf("expected unchanged reference with empty idMap, got %v", subject["reference"])
	}
}

func TestResolveInternalReferences_HandlesArraysOfReferences(t *testing.T) {
	entries := []TransactionEntry{
		{
			Resource: map[string]interface{}{
				"member": []interface{}{
					map[string]interface{}{"entity": map[string]interface{}{"reference": "urn:uuid:member-1"}},
				},
			},
		},
	}
	idMap := map[string]string{"urn:uuid:member-1": "Patient/m1"}

	ResolveInternalReferences(entries, idMap)

	member := entries[0].Resource["member"].([]interface{})[0].(map[string]interface{})
	entity := member["entity"].(map[string]interface{})
	if entity["reference"] != "Patient/m1" {
		t.Errorf("expected array-nested reference to resolve, got %v", entity["reference"])
	}
}

// ---------------------------------------------------------------------------
// ProcessTransaction tests (TxHandler + runTransaction faked, no Couchbase)
// ---------------------------------------------------------------------------

func fakeRunTransaction(_ string, fn func(attempt *gocb.TransactionAttemptContext) error) error {
	return fn(nil)
}

func TestProcessTransaction_AllSuccessful(t *testing.T) {
	callCount := 0
	txHandler := func(_ context.Context, _ *gocb.TransactionAttemptContext, method, url string, resource map[string]interface{}) (*BundleEntryResponse, error) {
		callCount++
		return &BundleEntryResponse{
			Status:   "201 Created",
			Location: "Patient/" + string(rune('0'+callCount)),
		}, nil
	}

	processor := &TransactionProcessor{
		connName:       "default",
		TxHandler:      txHandler,
		runTransaction: fakeRunTransaction,
	}
	bundle := &TransactionBundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entries: []TransactionEntry{
			{
				FullURL:  "urn:uuid:a",
				Resource: map[string]interface{}{"resourceType": "Patient"},
				Request:  BundleEntryRequest{Method: "POST", URL: "Patient"},
			},
			{
				FullURL:  "urn:uuid:b",
				Resource: map[string]interface{}{"resourceType": "Observation"},
				Request:  BundleEntryRequest{Method: "POST", URL: "Observation"},
			},
		},
	}

	result, err := processor.ProcessTransaction(context.Background(), bundle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Type != "transaction-response" {
		t.Errorf("expected transaction-response, got %s", result.Type)
	}
	if len(result.Entry) != 2 {
		t.Fatalf("expected 2 response entries, got %d", len(result.Entry))
	}
	if result.Entry[0].Response.Status != "201 Created" {
		t.Errorf("expected 201 Created, got %s", result.Entry[0].Response.Status)
	}
}

func TestProcessTransaction_FailedEntry_RollsBack(t *testing.T) {
	txHandler := func(_ context.Context, _ *gocb.TransactionAttemptContext, _, url string, _ map[string]interface{}) (*BundleEntryResponse, error) {
		if url == "Observation" {
			return nil, errors.New("conflict: resource already exists")
		}
		return &BundleEntryResponse{Status: "201 Created", Location: "Patient/new1"}, nil
	}

	processor := &TransactionProcessor{
		connName:  "default",
		TxHandler: txHandler,
		runTransaction: func(_ string, fn func(attempt *gocb.TransactionAttemptContext) error) error {
			return fn(nil)
		},
	}
	bundle := &TransactionBundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entries: []TransactionEntry{
			{
				FullURL:  "urn:uuid:a",
				Resource: map[string]interface{}{"resourceType": "Patient"},
				Request:  BundleEntryRequest{Method: "POST", URL: "Patient"},
			},
			{
				FullURL:  "urn:uuid:b",
				Resource: map[string]interface{}{"resourceType": "Observation"},
				Request:  BundleEntryRequest{Method: "POST", URL: "Observation"},
			},
		},
	}

	_, err := processor.ProcessTransaction(context.Background(), bundle)
	if err == nil {
		t.Fatal("expected error when entry fails in transaction")
	}
	if !strings.Contains(err.Error(), "transaction failed") {
		t.Errorf("expected 'transaction failed' in error, got: %v", err)
	}
}

func TestProcessTransaction_ResolvesInternalReferences(t *testing.T) {
	var capturedResource map[string]interface{}

	txHandler := func(_ context.Context, _ *gocb.TransactionAttemptContext, method, url string, resource map[string]interface{}) (*BundleEntryResponse, error) {
		if method == "POST" && url == "Patient" {
			return &BundleEntryResponse{Status: "201 Created", Location: "Patient/actual-id-123"}, nil
		}
		capturedResource = resource
		return &BundleEntryResponse{Status: "201 Created", Location: "Encounter/enc-456"}, nil
	}

	processor := &TransactionProcessor{
		connName:       "default",
		TxHandler:      txHandler,
		runTransaction: fakeRunTransaction,
	}
	bundle := &TransactionBundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entries: []TransactionEntry{
			{
				FullURL:  "urn:uuid:patient-1",
				Resource: map[string]interface{}{"resourceType": "Patient"},
				Request:  BundleEntryRequest{Method: "POST", URL: "Patient"},
			},
			{
				FullURL: "urn:uuid:enc-1",
				Resource: map[string]interface{}{
					"resourceType": "Encounter",
					"subject":      map[string]interface{}{"reference": "urn:uuid:patient-1"},
				},
				Request: BundleEntryRequest{Method: "POST", URL: "Encounter"},
			},
		},
	}

	_, err := processor.ProcessTransaction(context.Background(), bundle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if capturedResource == nil {
		t.Fatal("expected the Encounter resource to reach the handler")
	}
	subject, ok := capturedResource["subject"].(map[string]interface{})
	if !ok {
		t.Fatal("expected subject to be a map")
	}
	if subject["reference"] != "Patient/actual-id-123" {
		t.Errorf("expected resolved reference Patient/actual-id-123, got %v", subject["reference"])
	}
}

func TestProcessTransaction_SortsEntriesBeforeProcessing(t *testing.T) {
	var order []string
	txHandler := func(_ context.Context, _ *gocb.TransactionAttemptContext, method, _ string, _ map[string]interface{}) (*BundleEntryResponse, error) {
		order = append(order, method)
		return &BundleEntryResponse{Status: "200 OK"}, nil
	}

	processor := &TransactionProcessor{
		connName:       "default",
		TxHandler:      txHandler,
		runTransaction: fakeRunTransaction,
	}
	bundle := &TransactionBundle{
		ResourceType: "Bundle",
		Type:         "transaction",
		Entries: []TransactionEntry{
			{FullURL: "urn:uuid:1", Request: BundleEntryRequest{Method: "GET", URL: "Patient/1"}},
			{FullURL: "urn:uuid:2", Request: BundleEntryRequest{Method: "DELETE", URL: "Patient/2"}},
			{FullURL: "urn:uuid:3", Request: BundleEntryRequest{Method: "POST", URL: "Patient"}, Resource: map[string]interface{}{"resourceType": "Patient"}},
		},
	}

	_, err := processor.ProcessTransaction(context.Background(), bundle)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(order) != 3 {
		t.Fatalf("expected 3 calls, got %d", len(order))
	}
	if order[0] != "POST" {
		t.Errorf("expected POST first, got order %v", order)
	}
	if order[2] != "DELETE" {
		t.Errorf("expected DELETE last, got order %v", order)
	}
}

// ---------------------------------------------------------------------------
// ProcessBatch tests (ResourceHandler faked, no Couchbase)
// ---------------------------------------------------------------------------

func TestProcessBatch_MixedSuccessFailure(t *testing.T) {
	handler := func(_, url string, _ map[string]interface{}) (*BundleEntryResponse, error) {
		if url == "Patient/bad" {
			return nil, errors.New("not found")
		}
		return &BundleEntryResponse{Status: "200 OK", Location: url}, nil
	}

	processor := &TransactionProcessor{ResourceHandler: handler}
	bundle := &TransactionBundle{
		ResourceType: "Bundle",
		Type:         "batch",
		Entries: []TransactionEntry{
			{Request: BundleEntryRequest{Method: "GET", URL: "Patient/good"}},
			{Request: BundleEntryRequest{Method: "GET", URL: "Patient/bad"}},
		},
	}

	result := processor.ProcessBatch(bundle)
	if result.Type != "batch-response" {
		t.Errorf("expected batch-response, got %s", result.Type)
	}
	if len(result.Entry) != 2 {
		t.Fatalf("expected 2 response entries, got %d", len(result.Entry))
	}
	if result.Entry[0].Response.Status != "200 OK" {
		t.Errorf("expected first entry to succeed, got %s", result.Entry[0].Response.Status)
	}
	if result.Entry[1].Response.Status != "400 Bad Request" {
		t.Errorf("expected second entry to fail with 400, got %s", result.Entry[1].Response.Status)
	}
	if result.Entry[1].Response.Outcome == nil {
		t.Error("expected an OperationOutcome on the failed entry")
	}
}

func TestProcessBatch_ContinuesAfterFailure(t *testing.T) {
	calls := 0
	handler := func(_, url string, _ map[string]interface{}) (*BundleEntryResponse, error) {
		calls++
		if url == "Patient/bad" {
			return nil, errors.New("conflict")
		}
		return &BundleEntryResponse{Status: "200 OK"}, nil
	}

	processor := &TransactionProcessor{ResourceHandler: handler}
	bundle := &TransactionBundle{
		Type: "batch",
		Entries: []TransactionEntry{
			{Request: BundleEntryRequest{Method: "GET", URL: "Patient/bad"}},
			{Request: BundleEntryRequest{Method: "GET", URL: "Patient/good"}},
		},
	}

	processor.ProcessBatch(bundle)
	if calls != 2 {
		t.Errorf("expected both entries to be attempted, got %d calls", calls)
	}
}
