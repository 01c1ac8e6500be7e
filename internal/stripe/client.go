package stripe

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client wraps Stripe API calls using the REST API directly (no SDK dependency)
type Client struct {
	secretKey  string
	httpClient *http.Client
	baseURL    string
}

// NewClient creates a new Stripe API client
func NewClient(secretKey string) *Client {
	return &Client{
		secretKey: secretKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		baseURL: "https://api.stripe.com/v1",
	}
}

// Subscription is the slice of a Stripe subscription object that drives
// entitlement reconciliation.
type Subscription struct {
	ID                 string
	Status             string
	CustomerID         string
	PriceID            string
	CancelAt           *time.Time
	CurrentPeriodStart *time.Time
	CurrentPeriodEnd   *time.Time
	TrialEnd           *time.Time
	Metadata           map[string]string
}

// ExpiresAt resolves the entitlement expiry: a scheduled cancellation wins
// over the period end.
func (s *Subscription) ExpiresAt() *time.Time {
	if s.CancelAt != nil {
		return s.CancelAt
	}
	return s.CurrentPeriodEnd
}

// GetSubscription fetches a subscription from Stripe.
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	obj, err := c.get(ctx, "/subscriptions/"+subscriptionID)
	if err != nil {
		return nil, fmt.Errorf("get subscription %s: %w", subscriptionID, err)
	}
	return SubscriptionFromObject(obj), nil
}

// SubscriptionFromObject extracts the reconciliation fields from a raw
// subscription object, whether fetched from the API or embedded in a
// webhook event.
func SubscriptionFromObject(obj map[string]interface{}) *Subscription {
	sub := &Subscription{
		ID:                 String(obj, "id"),
		Status:             String(obj, "status"),
		CustomerID:         String(obj, "customer"),
		CancelAt:           UnixTime(obj, "cancel_at"),
		CurrentPeriodStart: UnixTime(obj, "current_period_start"),
		CurrentPeriodEnd:   UnixTime(obj, "current_period_end"),
		TrialEnd:           UnixTime(obj, "trial_end"),
		Metadata:           Metadata(obj),
	}

	// The price lives on the first subscription item.
	if items, ok := obj["items"].(map[string]interface{}); ok {
		if data, ok := items["data"].([]interface{}); ok && len(data) > 0 {
			if item, ok := data[0].(map[string]interface{}); ok {
				if price, ok := item["price"].(map[string]interface{}); ok {
					sub.PriceID = String(price, "id")
				}
			}
		}
	}

	return sub
}

// String returns obj[key] as a string, or "" when absent or a different type.
func String(obj map[string]interface{}, key string) string {
	if obj == nil {
		return ""
	}
	v, _ := obj[key].(string)
	return v
}

// Int64 returns obj[key] as an int64. JSON numbers decode as float64.
func Int64(obj map[string]interface{}, key string) int64 {
	if obj == nil {
		return 0
	}
	if v, ok := obj[key].(float64); ok {
		return int64(v)
	}
	return 0
}

// UnixTime converts a Stripe epoch-seconds field to a *time.Time, nil when
// the field is absent or zero.
func UnixTime(obj map[string]interface{}, key string) *time.Time {
	secs := Int64(obj, key)
	if secs == 0 {
		return nil
	}
	t := time.Unix(secs, 0).UTC()
	return &t
}

// Metadata extracts the metadata map from a Stripe object.
func Metadata(obj map[string]interface{}) map[string]string {
	out := map[string]string{}
	raw, ok := obj["metadata"].(map[string]interface{})
	if !ok {
		return out
	}
	for k, v := range raw {
		if s, ok := v.(string); ok {
			out[k] = s
		}
	}
	return out
}

// HTTP helpers

func (c *Client) get(ctx context.Context, path string) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return nil, err
	}
	req.SetBasicAuth(c.secretKey, "")

	return c.doRequest(req)
}

func (c *Client) doRequest(req *http.Request) (map[string]interface{}, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stripe request failed: %w", err)
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, resp.Body); err != nil {
		return nil, fmt.Errorf("read stripe response: %w", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		return nil, fmt.Errorf("parse stripe response: %w", err)
	}

	if resp.StatusCode >= 400 {
		errObj, _ := result["error"].(map[string]interface{})
		msg := "unknown error"
		if errObj != nil {
			if m, ok := errObj["message"].(string); ok {
				msg = m
			}
		}
		return nil, fmt.Errorf("stripe API error (%d): %s", resp.StatusCode, msg)
	}

	return result, nil
}
