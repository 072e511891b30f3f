// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package push

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"

	"github.com/bcem/mailgate/internal/models"
)

// subscription is a browser-side key pair used to decrypt test payloads.
type subscription struct {
	priv *ecdh.PrivateKey
	auth []byte
}

func newSubscription(t *testing.T) *subscription {
	t.Helper()
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	auth := make([]byte, 16)
	_, _ = rand.Read(auth)
	return &subscription{priv: priv, auth: auth}
}

func (s *subscription) device(endpoint string) models.PushDevice {
	enc := base64.RawURLEncoding
	return models.PushDevice{
		ID:        1,
		PartnerID: 7,
		Endpoint:  endpoint,
		P256dh:    enc.EncodeToString(s.priv.PublicKey().Bytes()),
		Auth:      enc.EncodeToString(s.auth),
	}
}

// decrypt reverses encrypt from the user agent side.
func (s *subscription) decrypt(t *testing.T, body []byte) []byte {
	t.Helper()
	salt := body[:16]
	rs := binary.BigEndian.Uint32(body[16:20])
	idLen := int(body[20])
	asPublicBytes := body[21 : 21+idLen]
	sealed := body[21+idLen:]
	if rs < uint32(len(sealed)) {
		t.Fatalf("record size %d smaller than record %d", rs, len(sealed))
	}

	asPublic, err := ecdh.P256().NewPublicKey(asPublicBytes)
	if err != nil {
		t.Fatal(err)
	}
	shared, err := s.priv.ECDH(asPublic)
	if err != nil {
		t.Fatal(err)
	}
	read := func(prk, info []byte, n int) []byte {
		out := make([]byte, n)
		if _, err := io.ReadFull(hkdf.Expand(sha256.New, prk, info), out); err != nil {
			t.Fatal(err)
		}
		return out
	}
	keyInfo := append([]byte("WebPush: info\x00"), s.priv.PublicKey().Bytes()...)
	keyInfo = append(keyInfo, asPublicBytes...)
	ikm := read(hkdf.Extract(sha256.New, shared, s.auth), keyInfo, 32)
	prk := hkdf.Extract(sha256.New, ikm, salt)
	cek := read(prk, []byte("Content-Encoding: aes128gcm\x00"), 16)
	nonce := read(prk, []byte("Content-Encoding: nonce\x00"), 12)

	block, _ := aes.NewCipher(cek)
	gcm, _ := cipher.NewGCM(block)
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if plain[len(plain)-1] != 0x02 {
		t.Fatalf("missing last-record delimiter")
	}
	return plain[:len(plain)-1]
}

// TestEncrypt_RoundTrip verifies the aes128gcm record decrypts with the
// subscription keys.
func TestEncrypt_RoundTrip(t *testing.T) {
	sub := newSubscription(t)
	dev := sub.device("https://push.example.com/x")
	body, err := encrypt([]byte(`{"title":"hi"}`), dev.P256dh, dev.Auth, rand.Reader)
	if err != nil {
		t.Fatalf("encrypt: %v", err)
	}
	if got := sub.decrypt(t, body); string(got) != `{"title":"hi"}` {
		t.Errorf("decrypted = %q", got)
	}
}

// TestEncode_Truncates verifies serialized payloads never exceed the limit.
func TestEncode_Truncates(t *testing.T) {
	tests := []string{
		strings.Repeat("a", 10000),
		strings.Repeat("<é>", 3000),
		"short",
	}
	for _, body := range tests {
		data, err := Encode(Payload{Title: "t", Body: body, Model: "ticket", ResID: 1}, MaxPayloadBytes)
		if err != nil {
			t.Fatalf("Encode: %v", err)
		}
		if len(data) > MaxPayloadBytes {
			t.Errorf("len = %d", len(data))
		}
		var p Payload
		if err := json.Unmarshal(data, &p); err != nil {
			t.Errorf("invalid json: %v", err)
		}
		if body == "short" && p.Body != "short" {
			t.Errorf("short body changed: %q", p.Body)
		}
	}
}

// TestEncode_TruncatesTitle verifies a title too long on its own is cut
// once the body is gone.
func TestEncode_TruncatesTitle(t *testing.T) {
	data, err := Encode(Payload{Title: strings.Repeat("ü", 2500), Body: "hello", Model: "ticket", ResID: 1}, MaxPayloadBytes)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) > MaxPayloadBytes {
		t.Errorf("len = %d", len(data))
	}
	var p Payload
	if err := json.Unmarshal(data, &p); err != nil {
		t.Fatalf("invalid json: %v", err)
	}
	if p.Body != "" || p.Title == "" || !utf8.ValidString(p.Title) {
		t.Errorf("payload = body %q, title of %d bytes", p.Body, len(p.Title))
	}
}

// TestWebPush_Send verifies headers, the VAPID token and status mapping.
func TestWebPush_Send(t *testing.T) {
	pub, priv, err := GenerateVAPIDKeys()
	if err != nil {
		t.Fatal(err)
	}
	sub := newSubscription(t)

	status := http.StatusCreated
	var gotPayload []byte
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Content-Encoding") != "aes128gcm" {
			t.Errorf("Content-Encoding = %q", r.Header.Get("Content-Encoding"))
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "vapid t=") || !strings.HasSuffix(auth, ", k="+pub) {
			t.Errorf("Authorization = %q", auth)
		}
		token := strings.TrimSuffix(strings.TrimPrefix(auth, "vapid t="), ", k="+pub)
		key, _ := parseVAPIDKey(priv)
		claims := jwt.MapClaims{}
		if _, err := jwt.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
			return &key.private.PublicKey, nil
		}, jwt.WithValidMethods([]string{"ES256"})); err != nil {
			t.Errorf("vapid token: %v", err)
		}
		if claims["sub"] != "mailto:ops@example.com" {
			t.Errorf("sub = %v", claims["sub"])
		}
		body, _ := io.ReadAll(r.Body)
		gotPayload = sub.decrypt(t, body)
		w.WriteHeader(status)
	}))
	defer srv.Close()

	wp, err := NewWebPush(Config{PrivateKey: priv, Subject: "mailto:ops@example.com"})
	if err != nil {
		t.Fatalf("NewWebPush: %v", err)
	}
	if wp.PublicKey() != pub {
		t.Errorf("PublicKey mismatch")
	}
	dev := sub.device(srv.URL + "/sub/1")

	if err := wp.Send(context.Background(), dev, []byte("hello")); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if string(gotPayload) != "hello" {
		t.Errorf("payload = %q", gotPayload)
	}

	status = http.StatusGone
	if err := wp.Send(context.Background(), dev, []byte("x")); !errors.Is(err, ErrDeviceUnreachable) {
		t.Errorf("410: err = %v", err)
	}
	status = http.StatusInternalServerError
	if err := wp.Send(context.Background(), dev, []byte("x")); err == nil || errors.Is(err, ErrDeviceUnreachable) {
		t.Errorf("500: err = %v", err)
	}
}

type fakeTransport struct{ err error }

func (f fakeTransport) Send(context.Context, models.PushDevice, []byte) error { return f.err }

type fakeDevices struct{ deleted []int64 }

func (f *fakeDevices) DeletePushDevice(_ context.Context, id int64) error {
	f.deleted = append(f.deleted, id)
	return nil
}

// TestDeliverer_RemovesUnreachable verifies dead devices are deleted without error.
func TestDeliverer_RemovesUnreachable(t *testing.T) {
	devices := &fakeDevices{}
	d := NewDeliverer(fakeTransport{err: ErrDeviceUnreachable}, devices)
	var outcomes []string
	d.OnResult(func(o string) { outcomes = append(outcomes, o) })

	if err := d.Deliver(context.Background(), models.PushDevice{ID: 4}, []byte("x")); err != nil {
		t.Errorf("Deliver: %v", err)
	}
	if len(devices.deleted) != 1 || devices.deleted[0] != 4 {
		t.Errorf("deleted = %v", devices.deleted)
	}

	d = NewDeliverer(fakeTransport{err: errors.New("timeout")}, devices)
	if err := d.Deliver(context.Background(), models.PushDevice{ID: 5}, []byte("x")); err == nil {
		t.Error("other failures should be returned")
	}
	if len(devices.deleted) != 1 {
		t.Error("device deleted on transient failure")
	}
	if len(outcomes) != 1 || outcomes[0] != "unreachable" {
		t.Errorf("outcomes = %v", outcomes)
	}
}
