package main

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danielpatrickdp/evolution-engine/internal/autonomy"
)

func TestClientDecodesRejectedProposal(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Type") != "application/json" {
			t.Errorf("missing content type")
		}
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"status":"rejected","risk_score":0.2,"reasons":["description is empty"]}`))
	}))
	defer srv.Close()

	var res autonomy.ProposalResult
	status, _, err := newClient(srv.URL).do(context.Background(), http.MethodPost, "/v1/proposals", map[string]string{}, &res)
	if err != nil {
		t.Fatalf("a rejected proposal is a result, got error %v", err)
	}
	if status != http.StatusUnprocessableEntity || res.Status != autonomy.StatusRejected || len(res.Reasons) != 1 {
		t.Fatalf("unexpected result %d %+v", status, res)
	}
}

func TestClientSurfacesErrorBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error":"engine tainted","code":"TAINTED","reasons":["restore failed"]}`))
	}))
	defer srv.Close()

	_, _, err := newClient(srv.URL+"/").do(context.Background(), http.MethodPost, "/v1/rollback", nil, nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected apiError, got %v", err)
	}
	if apiErr.Status != http.StatusConflict || apiErr.Body.Code != "TAINTED" {
		t.Fatalf("unexpected error %+v", apiErr)
	}
	if got := apiErr.Error(); got != "409 TAINTED: engine tainted (restore failed)" {
		t.Fatalf("unexpected message %q", got)
	}
}

func TestClientPlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, _, err := newClient(srv.URL).do(context.Background(), http.MethodGet, "/v1/state", nil, nil)
	var apiErr *apiError
	if !errors.As(err, &apiErr) || apiErr.Body.Error != "boom" {
		t.Fatalf("expected plain-text body as error, got %v", err)
	}
}
