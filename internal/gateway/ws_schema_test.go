package gateway

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestValidateWSRequestFrame(t *testing.T) {
	tests := []struct {
		name    string
		frame   string
		wantErr bool
	}{
		{name: "valid", frame: `{"type":"req","id":"1","method":"providers.status","params":{"probe":true}}`},
		{name: "params optional", frame: `{"type":"req","id":"1","method":"config.get"}`},
		{name: "missing id", frame: `{"type":"req","method":"config.get"}`, wantErr: true},
		{name: "empty id", frame: `{"type":"req","id":"","method":"config.get"}`, wantErr: true},
		{name: "wrong type", frame: `{"type":"res","id":"1","method":"config.get"}`, wantErr: true},
		{name: "method not string", frame: `{"type":"req","id":"1","method":7}`, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateWSRequestFrame([]byte(tt.frame))
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateMethodParams(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		params  string
		wantErr string
	}{
		{name: "connect", method: "connect", params: `{"minProtocol":1,"maxProtocol":1,"client":{"id":"a","version":"1","platform":"linux"}}`},
		{name: "connect missing client", method: "connect", params: `{"minProtocol":1,"maxProtocol":1}`, wantErr: "client"},
		{name: "status empty", method: "providers.status", params: `{}`},
		{name: "status extra keys allowed", method: "providers.status", params: `{"probe":true,"extra":1}`},
		{name: "status bad probe", method: "providers.status", params: `{"probe":1}`, wantErr: "/probe"},
		{name: "login start", method: "web.login.start", params: `{"force":false,"timeoutMs":30000}`},
		{name: "config set short raw", method: "config.set", params: `{"raw":"{"}`, wantErr: "/raw"},
		{name: "unknown method has no schema", method: "other", params: `[]`},
		{name: "empty raw is an object", method: "web.logout", params: ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateMethodParams(tt.method, json.RawMessage(tt.params))
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("err = %v, want mention of %q", err, tt.wantErr)
			}
		})
	}
}
