package sipengine

import (
	"strings"
	"testing"

	"github.com/emiago/sipgo/sip"
)

func testRegistrar(t *testing.T) *registrar {
	t.Helper()
	var uri sip.Uri
	if err := sip.ParseUri("sip:pbx.example.com", &uri); err != nil {
		t.Fatalf("parse registrar URI: %v", err)
	}
	return &registrar{
		cfg: Config{
			User:          "agent7",
			Password:      "hunter2",
			Domain:        "pbx.example.com",
			AdvertiseAddr: "192.168.1.50",
			Port:          5070,
		},
		registrarURI: uri,
		callID:       "reg-call-id-1",
		fromTag:      "ab12cd34",
	}
}

func TestBuildRegisterHeaders(t *testing.T) {
	r := testRegistrar(t)
	req := r.buildRegister(300, "", "")

	if got := string(*req.CallID()); got != "reg-call-id-1" {
		t.Errorf("Call-ID = %q, want %q", got, "reg-call-id-1")
	}
	from := req.From()
	if from == nil {
		t.Fatal("missing From header")
	}
	if tag, ok := from.Params.Get("tag"); !ok || tag != "ab12cd34" {
		t.Errorf("From tag = %q, want %q", tag, "ab12cd34")
	}
	to := req.To()
	if to == nil {
		t.Fatal("missing To header")
	}
	if _, ok := to.Params.Get("tag"); ok {
		t.Error("To header of a fresh REGISTER must not carry a tag")
	}
	if to.Address.User != "agent7" || to.Address.Host != "pbx.example.com" {
		t.Errorf("To address = %s, want agent7@pbx.example.com", to.Address.String())
	}
	contact := req.Contact()
	if contact == nil {
		t.Fatal("missing Contact header")
	}
	if contact.Address.Host != "192.168.1.50" || contact.Address.Port != 5070 {
		t.Errorf("Contact = %s, want 192.168.1.50:5070", contact.Address.String())
	}
	expires := req.GetHeader("Expires")
	if expires == nil || expires.Value() != "300" {
		t.Errorf("Expires = %v, want 300", expires)
	}
	if req.GetHeader("Authorization") != nil {
		t.Error("unchallenged REGISTER must not carry Authorization")
	}
}

func TestBuildRegisterSharesCallIDAndIncrementsCSeq(t *testing.T) {
	r := testRegistrar(t)

	first := r.buildRegister(300, "", "")
	second := r.buildRegister(300, "Authorization", "Digest username=\"agent7\"")

	if string(*first.CallID()) != string(*second.CallID()) {
		t.Error("REGISTER refreshes must share one Call-ID")
	}
	firstSeq := first.CSeq().SeqNo
	secondSeq := second.CSeq().SeqNo
	if secondSeq != firstSeq+1 {
		t.Errorf("CSeq = %d after %d, want increment by 1", secondSeq, firstSeq)
	}
	auth := second.GetHeader("Authorization")
	if auth == nil {
		t.Fatal("missing Authorization header on challenged retry")
	}
	if !strings.Contains(auth.Value(), "agent7") {
		t.Errorf("Authorization = %q, want it to carry the username", auth.Value())
	}
}

func TestAnswerChallenge(t *testing.T) {
	challenge := `Digest realm="pbx.example.com", nonce="f84f1cec41e6cbe5aea9c8e88d359", algorithm=MD5, qop="auth"`

	cred, err := answerChallenge(challenge, "REGISTER", "sip:pbx.example.com", "agent7", "hunter2")
	if err != nil {
		t.Fatalf("answerChallenge failed: %v", err)
	}

	for _, want := range []string{
		`username="agent7"`,
		`realm="pbx.example.com"`,
		`nonce="f84f1cec41e6cbe5aea9c8e88d359"`,
		`uri="sip:pbx.example.com"`,
		"response=",
	} {
		if !strings.Contains(cred, want) {
			t.Errorf("credentials missing %s:\n%s", want, cred)
		}
	}
	if strings.Contains(cred, "hunter2") {
		t.Error("credentials must not leak the plaintext password")
	}
}

func TestAnswerChallengeRejectsGarbage(t *testing.T) {
	if _, err := answerChallenge("Basic nope", "REGISTER", "sip:x", "u", "p"); err == nil {
		t.Fatal("expected error for non-digest challenge, got nil")
	}
}
