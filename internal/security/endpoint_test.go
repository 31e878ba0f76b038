package security

import "testing"

func TestValidateEndpointURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https IP literal public", "https://8.8.8.8/webhook", false},
		{"http IP literal public", "http://8.8.8.8/webhook", false},
		{"bad scheme", "ftp://example.com/webhook", true},
		{"missing scheme", "example.com/webhook", true},
		{"missing host", "https:///webhook", true},
		{"localhost", "http://localhost:8080/webhook", true},
		{"localhost uppercase", "http://LOCALHOST/webhook", true},
		{"gcp metadata", "http://metadata.google.internal/computeMetadata", true},
		{"loopback literal", "http://127.0.0.1:9/webhook", true},
		{"loopback v6", "http://[::1]/webhook", true},
		{"private 10.x", "https://10.0.0.5/webhook", true},
		{"private 192.168.x", "https://192.168.1.1/webhook", true},
		{"link-local", "http://169.254.169.254/latest/meta-data", true},
		{"unspecified", "http://0.0.0.0/webhook", true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateEndpointURL(tc.url)
			if (err != nil) != tc.wantErr {
				t.Errorf("ValidateEndpointURL(%q) err = %v, wantErr %v", tc.url, err, tc.wantErr)
			}
		})
	}
}
