package security

import (
	"errors"
	"strings"
	"testing"
	"time"
)

func TestAccountTokenRoundTrip(t *testing.T) {
	token, errGenerate := GenerateAccountToken("secret", "acct-1", "pro", time.Hour)
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}

	claims, errParse := ParseAccountToken("secret", token)
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	if claims.AccountKey != "acct-1" || claims.Tier != "pro" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	if _, errWrong := ParseAccountToken("other-secret", token); errWrong == nil {
		t.Fatal("expected error for wrong secret")
	}
}

func TestAccountTokenExpiry(t *testing.T) {
	token, errGenerate := GenerateAccountToken("secret", "acct-1", "pro", -time.Minute)
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}
	if _, errParse := ParseAccountToken("secret", token); !errors.Is(errParse, ErrExpiredToken) {
		t.Fatalf("expected ErrExpiredToken, got %v", errParse)
	}
}

func TestAdminTokenRoundTrip(t *testing.T) {
	token, errGenerate := GenerateAdminToken("secret", 7, "root", time.Hour)
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}
	claims, errParse := ParseAdminToken("secret", token)
	if errParse != nil {
		t.Fatalf("parse: %v", errParse)
	}
	if claims.AdminID != 7 || claims.Username != "root" {
		t.Fatalf("unexpected claims: %+v", claims)
	}

	// Admin tokens are not valid account tokens and vice versa by claim
	// shape: an account parse yields an empty account key.
	account, errCross := ParseAccountToken("secret", token)
	if errCross == nil && account.AccountKey != "" {
		t.Fatalf("admin token parsed with account key %q", account.AccountKey)
	}
}

func TestPasswordHashRoundTrip(t *testing.T) {
	hash, errHash := HashPassword("hunter2!")
	if errHash != nil {
		t.Fatalf("hash: %v", errHash)
	}
	if hash == "hunter2!" {
		t.Fatal("password stored in plaintext")
	}
	if !CheckPassword(hash, "hunter2!") {
		t.Fatal("correct password rejected")
	}
	if CheckPassword(hash, "hunter3!") {
		t.Fatal("wrong password accepted")
	}
}

func TestGenerateServiceKey(t *testing.T) {
	key, errGenerate := GenerateServiceKey()
	if errGenerate != nil {
		t.Fatalf("generate: %v", errGenerate)
	}
	if !strings.HasPrefix(key, serviceKeyPrefix) {
		t.Fatalf("missing prefix: %s", key)
	}

	other, _ := GenerateServiceKey()
	if key == other {
		t.Fatal("generated keys collide")
	}
}

func TestMatchServiceKey(t *testing.T) {
	keys := []string{"clm_aaa", "clm_bbb"}
	if !MatchServiceKey(keys, "clm_bbb") {
		t.Fatal("configured key rejected")
	}
	if MatchServiceKey(keys, "clm_ccc") {
		t.Fatal("unknown key accepted")
	}
	if MatchServiceKey(keys, "") {
		t.Fatal("empty key accepted")
	}
	if MatchServiceKey(nil, "clm_aaa") {
		t.Fatal("match against empty configuration")
	}
}
