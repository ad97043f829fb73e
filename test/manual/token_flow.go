//go:build ignore

package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// This test exercises the complete token lifecycle against a running authsvc:
// 1. Grant a token pair with username/password
// 2. Verify the access token
// 3. Rotate the refresh token
// 4. Replay the consumed refresh token (must be rejected)
// 5. Confirm the replacement was burned with the family (must be rejected)
// 6. Grant a fresh pair and revoke it
// 7. Refresh with the revoked token (must be rejected)
//
// Requires a service started with AUTH_LOCAL_ISSUER_ENABLED=true and at least
// one seeded credential. Point it at a non-production instance: step 6 revokes
// the pair it creates.

// Configuration from environment
var (
	backendURL = getEnv("BACKEND_URL", "http://localhost:8080")
	username   = getEnv("AUTH_USERNAME", "demo")
	password   = getEnv("AUTH_PASSWORD", "demo-password-1")
)

// TokenResponse is the grant/refresh response body.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// VerifyResponse is the verify endpoint response body.
type VerifyResponse struct {
	Subject     string   `json:"subject"`
	Authorities []string `json:"authorities"`
	TokenType   string   `json:"tokenType"`
}

// APIError is the uniform error body.
type APIError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func main() {
	fmt.Println("=== Token Lifecycle Flow Test ===")
	fmt.Printf("Backend: %s (user %q)\n", backendURL, username)
	fmt.Println()

	// Step 1: Grant a token pair
	fmt.Println("Step 1: Granting token pair (POST /v1/auth/token)...")
	pair, err := grant(username, password)
	if err != nil {
		fmt.Printf("❌ Error granting tokens: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   ✓ Access token: %s...\n", head(pair.AccessToken, 24))
	fmt.Printf("   ✓ Refresh token: %s...\n", head(pair.RefreshToken, 24))
	fmt.Printf("   ✓ Expires in: %s\n", time.Duration(pair.ExpiresIn)*time.Second)
	fmt.Println()

	// Step 2: Verify the access token
	fmt.Println("Step 2: Verifying access token (GET /v1/auth/verify)...")
	who, err := verify(pair.AccessToken)
	if err != nil {
		fmt.Printf("❌ Error verifying token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   ✓ Subject: %s\n", who.Subject)
	fmt.Printf("   ✓ Authorities: %v\n", who.Authorities)
	fmt.Printf("   ✓ Token type: %s\n", who.TokenType)
	fmt.Println()

	// Step 3: Rotate the refresh token
	fmt.Println("Step 3: Rotating refresh token (POST /v1/auth/refresh)...")
	rotated, err := refresh(pair.RefreshToken)
	if err != nil {
		fmt.Printf("❌ Error rotating token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("   ✓ New refresh token: %s...\n", head(rotated.RefreshToken, 24))
	fmt.Println()

	// Step 4: Replay the consumed refresh token
	fmt.Println("Step 4: Replaying the consumed refresh token (expect rejection)...")
	if _, err := refresh(pair.RefreshToken); err == nil {
		fmt.Println("❌ Replay was accepted; rotation is not single-use")
		os.Exit(1)
	} else {
		fmt.Printf("   ✓ Rejected as expected: %v\n", err)
	}
	fmt.Println()

	// Step 5: The replacement must be dead too, the whole family is burned
	fmt.Println("Step 5: Refreshing with the replacement token (expect rejection)...")
	if _, err := refresh(rotated.RefreshToken); err == nil {
		fmt.Println("❌ Replacement still works; family revocation did not propagate")
		os.Exit(1)
	} else {
		fmt.Printf("   ✓ Family burned as expected: %v\n", err)
	}
	fmt.Println()

	// Step 6: Grant a fresh pair and revoke it
	fmt.Println("Step 6: Granting a fresh pair and revoking it (POST /v1/auth/revoke)...")
	fresh, err := grant(username, password)
	if err != nil {
		fmt.Printf("❌ Error granting tokens: %v\n", err)
		os.Exit(1)
	}
	if err := revoke(fresh.RefreshToken); err != nil {
		fmt.Printf("❌ Error revoking token: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("   ✓ Revoked")
	fmt.Println()

	// Step 7: Refresh with the revoked token
	fmt.Println("Step 7: Refreshing with the revoked token (expect rejection)...")
	if _, err := refresh(fresh.RefreshToken); err == nil {
		fmt.Println("❌ Revoked token was accepted")
		os.Exit(1)
	} else {
		fmt.Printf("   ✓ Rejected as expected: %v\n", err)
	}
	fmt.Println()

	fmt.Println("=== All steps passed ===")
}

func grant(user, pass string) (*TokenResponse, error) {
	body := map[string]string{"username": user, "password": pass}
	var out TokenResponse
	if err := postJSON("/v1/auth/token", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func refresh(token string) (*TokenResponse, error) {
	body := map[string]string{"refresh_token": token}
	var out TokenResponse
	if err := postJSON("/v1/auth/refresh", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func revoke(token string) error {
	body := map[string]string{"refresh_token": token}
	return postJSON("/v1/auth/revoke", body, nil)
}

func verify(accessToken string) (*VerifyResponse, error) {
	req, err := http.NewRequest(http.MethodGet, backendURL+"/v1/auth/verify", nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, decodeError(resp)
	}
	var out VerifyResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding verify response: %w", err)
	}
	return &out, nil
}

func postJSON(path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := http.Post(backendURL+path, "application/json", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func decodeError(resp *http.Response) error {
	var apiErr APIError
	data, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(data, &apiErr); err != nil || apiErr.Error == "" {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(data))
	}
	return fmt.Errorf("HTTP %d: %s (%s)", resp.StatusCode, apiErr.Error, apiErr.Message)
}

func head(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
