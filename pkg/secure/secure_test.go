package secure

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"cachecoord/pkg/kv"
)

func TestIsSensitiveField(t *testing.T) {
	tests := []struct {
		name string
		want bool
	}{
		{"password", true},
		{"newPassword", true},
		{"api_key", true},
		{"privateKey", true},
		{"accessToken", true},
		{"national_id", true},
		{"cccd", true},
		{"bankAccount", true},
		{"card_number", true},
		{"phone", true},
		{"email", true},
		{"home_address", true},
		{"lat", true},
		{"longitude", true},
		{"signature", true},
		{"pin", true},
		{"otp_code", true},
		{"name", false},
		{"template", false},
		{"pinned", false},
		{"status", false},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsSensitiveField(tt.name); got != tt.want {
				t.Errorf("IsSensitiveField(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestMaskString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"", "****"},
		{"abcd", "****"},
		{"abcdef", "ab**ef"},
		{"abcdefgh", "ab****gh"},
		{"alice@example.com", "al***********.com"},
	}

	for _, tt := range tests {
		if got := MaskString(tt.in); got != tt.want {
			t.Errorf("MaskString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMaskNumber(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"4111111111111234", "1234"},
		{"123", "0"},
		{"1234", "0"},
		{"9990042", "42"},
		{"50000", "0"},
		{"-1234567", "4567"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			if got := MaskNumber(tt.in); got != tt.want {
				t.Errorf("MaskNumber(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestMaskJSON_NumbersStayNumeric(t *testing.T) {
	type account struct {
		Owner         string `json:"owner"`
		AccountNumber int64  `json:"account_number"`
	}
	data, err := json.Marshal(account{Owner: "bob", AccountNumber: 9876543210})
	if err != nil {
		t.Fatal(err)
	}
	masked, err := MaskJSON(data)
	if err != nil {
		t.Fatalf("MaskJSON failed: %v", err)
	}

	var out account
	if err := json.Unmarshal(masked, &out); err != nil {
		t.Fatalf("masked document no longer decodes into its type: %v (%s)", err, masked)
	}
	if out.AccountNumber != 3210 || out.Owner != "bob" {
		t.Errorf("decoded %+v from %s", out, masked)
	}
}

func TestMask_NestedValues(t *testing.T) {
	input := map[string]any{
		"name":  "Alice",
		"email": "alice@example.com",
		"bank": map[string]any{
			"iban":  "DE89370400440532013000",
			"label": "main",
		},
		"contacts": []any{
			map[string]any{"phone": "0123456789"},
		},
		"pin": 987654,
	}

	out, ok := Mask(input).(map[string]any)
	if !ok {
		t.Fatalf("Expected map, got %T", Mask(input))
	}

	if out["name"] != "Alice" {
		t.Errorf("Expected name untouched, got %v", out["name"])
	}
	if out["email"] == "alice@example.com" {
		t.Error("Expected email to be masked")
	}

	bank := out["bank"].(map[string]any)
	if bank["label"] == "main" {
		t.Error("Expected fields under a sensitive parent to be masked")
	}

	phone := out["contacts"].([]any)[0].(map[string]any)["phone"]
	if phone != "01****6789" {
		t.Errorf("Expected masked phone, got %v", phone)
	}
	if out["pin"] != json.Number("7654") {
		t.Errorf("Expected masked pin, got %v", out["pin"])
	}
}

func TestMaskJSON(t *testing.T) {
	out, err := MaskJSON([]byte(`{"user":"bob","password":"hunter2"}`))
	if err != nil {
		t.Fatalf("MaskJSON failed: %v", err)
	}
	if strings.Contains(string(out), "hunter2") {
		t.Errorf("Expected password to be masked: %s", out)
	}

	if _, err := MaskJSON([]byte("not json")); err == nil {
		t.Error("Expected error for invalid JSON")
	}
}

func TestShouldEncrypt(t *testing.T) {
	type profile struct {
		Name    string `json:"name"`
		Contact struct {
			Email string `json:"email"`
		} `json:"contact"`
	}

	if !ShouldEncrypt(profile{Name: "a"}) {
		t.Error("Expected nested email field to trigger encryption")
	}
	if ShouldEncrypt(map[string]any{"count": 3, "items": []string{"a"}}) {
		t.Error("Expected plain payload not to trigger encryption")
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	c, err := NewCodec([]byte("test-secret"), nil)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	if !c.Enabled() {
		t.Fatal("Expected codec to be enabled")
	}

	sealed, err := c.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt failed: %v", err)
	}
	if !IsEncrypted([]byte(sealed)) {
		t.Errorf("Expected prefix, got %q", sealed)
	}

	if got := c.Decrypt(sealed); string(got) != "hello" {
		t.Errorf("Expected hello, got %q", got)
	}

	other, _ := c.Encrypt([]byte("hello"))
	if other == sealed {
		t.Error("Expected fresh nonce per encryption")
	}
}

func TestCodec_DecryptFailuresReturnNil(t *testing.T) {
	c, _ := NewCodec([]byte("k1"), nil)
	other, _ := NewCodec([]byte("k2"), nil)

	sealed, _ := c.Encrypt([]byte("secret"))

	tests := []string{
		"plain text",
		EncryptedPrefix + "!!!",
		EncryptedPrefix + "AAAA",
		sealed[:len(sealed)-4] + "AAAA",
	}
	for _, in := range tests {
		if got := c.Decrypt(in); got != nil {
			t.Errorf("Decrypt(%q) = %q, want nil", in, got)
		}
	}

	if got := other.Decrypt(sealed); got != nil {
		t.Error("Expected decrypt with the wrong key to fail")
	}
}

func TestCodec_Disabled(t *testing.T) {
	c, err := NewCodec(nil, nil)
	if err != nil {
		t.Fatalf("NewCodec failed: %v", err)
	}
	if c.Enabled() {
		t.Fatal("Expected disabled codec")
	}

	out, err := c.Encrypt([]byte("plain"))
	if err != nil || out != "plain" {
		t.Errorf("Expected passthrough, got %q %v", out, err)
	}
	if c.Decrypt(EncryptedPrefix+"AAAA") != nil {
		t.Error("Expected nil from disabled decrypt")
	}
}

func TestCodec_ValueHelpers(t *testing.T) {
	c, _ := NewCodec([]byte("secret"), nil)

	type user struct {
		Email string `json:"email"`
		Age   int    `json:"age"`
	}

	data, err := c.EncryptValue(user{Email: "a@b.co", Age: 30})
	if err != nil {
		t.Fatalf("EncryptValue failed: %v", err)
	}

	var got user
	if err := c.DecryptValue(data, &got); err != nil {
		t.Fatalf("DecryptValue failed: %v", err)
	}
	if got.Email != "a@b.co" || got.Age != 30 {
		t.Errorf("Unexpected value: %+v", got)
	}

	var plain user
	raw, _ := json.Marshal(user{Email: "x", Age: 1})
	if err := c.DecryptValue(raw, &plain); err != nil || plain.Age != 1 {
		t.Errorf("Expected plain JSON to decode, got %+v %v", plain, err)
	}

	err = c.DecryptValue([]byte(EncryptedPrefix+"garbage"), &plain)
	if !errors.Is(err, kv.ErrDecodeFailure) {
		t.Errorf("Expected ErrDecodeFailure, got %v", err)
	}
}

func TestCodec_Seal(t *testing.T) {
	c, _ := NewCodec([]byte("secret"), nil)
	v := map[string]string{"email": "alice@example.com"}

	enc, err := c.Seal(v, true)
	if err != nil || !IsEncrypted(enc) {
		t.Errorf("Expected encrypted payload, got %q %v", enc, err)
	}

	masked, err := c.Seal(v, false)
	if err != nil {
		t.Fatalf("Seal failed: %v", err)
	}
	if strings.Contains(string(masked), "alice@example.com") {
		t.Errorf("Expected masked payload, got %s", masked)
	}
}
