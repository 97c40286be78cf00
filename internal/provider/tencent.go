package provider

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"aigc-queue/internal/config"
)

const (
	tcService   = "vod"
	tcVersion   = "2018-07-17"
	tcAction    = "CreateAigcVideoTask"
	tcAlgorithm = "TC3-HMAC-SHA256"
)

// TencentClient submits generation tasks to the Tencent Cloud VOD API using
// TC3-HMAC-SHA256 request signing.
type TencentClient struct {
	endpoint  string
	host      string
	secretID  string
	secretKey string
	subAppID  int
	http      *http.Client
	now       func() time.Time
}

// NewTencentClient builds a provider client from config.
func NewTencentClient(cfg config.Config) (*TencentClient, error) {
	u, err := url.Parse(cfg.ProviderEndpoint)
	if err != nil {
		return nil, fmt.Errorf("parse provider endpoint: %w", err)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("provider endpoint %q has no host", cfg.ProviderEndpoint)
	}
	return &TencentClient{
		endpoint:  cfg.ProviderEndpoint,
		host:      u.Host,
		secretID:  cfg.ProviderSecretID,
		secretKey: cfg.ProviderSecretKey,
		subAppID:  cfg.ProviderSubAppID,
		http:      &http.Client{Timeout: cfg.ProviderTimeout},
		now:       time.Now,
	}, nil
}

type tcEnvelope struct {
	Response map[string]any `json:"Response"`
}

// Generate performs one authenticated CreateAigcVideoTask call and classifies
// the result.
func (c *TencentClient) Generate(ctx context.Context, params map[string]any) Outcome {
	body, err := json.Marshal(c.buildPayload(params))
	if err != nil {
		return transportOutcome(fmt.Errorf("marshal payload: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return transportOutcome(err)
	}
	c.signRequest(req, body)

	resp, err := c.http.Do(req)
	if err != nil {
		return transportOutcome(err)
	}
	defer resp.Body.Close()

	var envelope tcEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return transportOutcome(fmt.Errorf("decode response: %w", err))
	}
	if envelope.Response == nil {
		return Outcome{Kind: KindOtherError, ErrCode: "InvalidResponse", ErrMessage: "response envelope missing"}
	}

	if rawErr, ok := envelope.Response["Error"].(map[string]any); ok {
		code, _ := rawErr["Code"].(string)
		message, _ := rawErr["Message"].(string)
		return Outcome{Kind: ClassifyCode(code), ErrCode: code, ErrMessage: message}
	}
	return Outcome{Kind: KindSuccess, Result: envelope.Response}
}

// buildPayload maps submitted params onto the provider request shape.
// Omitted optional fields are left out of the request entirely.
func (c *TencentClient) buildPayload(params map[string]any) map[string]any {
	payload := map[string]any{
		"SubAppId":     c.subAppID,
		"ModelName":    stringOr(params, "model_name", "Hailuo"),
		"ModelVersion": stringOr(params, "model_version", "2.3"),
		"Prompt":       stringOr(params, "prompt", ""),
	}
	if fileID := stringOr(params, "file_id", ""); fileID != "" {
		payload["FileInfos"] = []map[string]any{{
			"ReferenceType": "File",
			"FileId":        fileID,
		}}
	}
	if v := stringOr(params, "enhance_prompt", ""); v != "" {
		payload["EnhancePrompt"] = v
	}

	output := map[string]any{"PersonGeneration": "AllowAdult"}
	if d, ok := intFrom(params["duration"]); ok {
		output["Duration"] = d
	}
	for key, field := range map[string]string{
		"resolution":        "Resolution",
		"aspect_ratio":      "AspectRatio",
		"enhance_switch":    "EnhanceSwitch",
		"frame_interpolate": "FrameInterpolate",
		"audio_generation":  "AudioGeneration",
	} {
		if v := stringOr(params, key, ""); v != "" {
			output[field] = v
		}
	}
	payload["OutputConfig"] = output

	if p, ok := intFrom(params["tasks_priority"]); ok {
		payload["TasksPriority"] = p
	}
	if v := stringOr(params, "scene_type", ""); v != "" {
		payload["SceneType"] = v
	}
	return payload
}

// signRequest applies the TC3-HMAC-SHA256 signature headers.
func (c *TencentClient) signRequest(req *http.Request, body []byte) {
	timestamp := c.now().Unix()
	date := time.Unix(timestamp, 0).UTC().Format("2006-01-02")

	contentType := "application/json; charset=utf-8"
	canonicalHeaders := fmt.Sprintf("content-type:%s\nhost:%s\nx-tc-action:%s\n",
		contentType, c.host, strings.ToLower(tcAction))
	signedHeaders := "content-type;host;x-tc-action"
	canonicalRequest := strings.Join([]string{
		http.MethodPost, "/", "",
		canonicalHeaders, signedHeaders,
		sha256Hex(body),
	}, "\n")

	credentialScope := fmt.Sprintf("%s/%s/tc3_request", date, tcService)
	stringToSign := strings.Join([]string{
		tcAlgorithm,
		strconv.FormatInt(timestamp, 10),
		credentialScope,
		sha256Hex([]byte(canonicalRequest)),
	}, "\n")

	secretDate := hmacSHA256([]byte("TC3"+c.secretKey), date)
	secretService := hmacSHA256(secretDate, tcService)
	secretSigning := hmacSHA256(secretService, "tc3_request")
	signature := hex.EncodeToString(hmacSHA256(secretSigning, stringToSign))

	authorization := fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		tcAlgorithm, c.secretID, credentialScope, signedHeaders, signature)

	req.Header.Set("Authorization", authorization)
	req.Header.Set("Content-Type", contentType)
	req.Host = c.host
	req.Header.Set("X-TC-Action", tcAction)
	req.Header.Set("X-TC-Timestamp", strconv.FormatInt(timestamp, 10))
	req.Header.Set("X-TC-Version", tcVersion)
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func stringOr(params map[string]any, key, def string) string {
	if v, ok := params[key].(string); ok && v != "" {
		return v
	}
	return def
}

func intFrom(v any) (int, bool) {
	switch t := v.(type) {
	case float64:
		return int(t), true
	case int:
		return t, true
	case int64:
		return int(t), true
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return int(i), true
		}
	}
	return 0, false
}
