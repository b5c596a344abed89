// Package onvif implements device.Gateway over SOAP 1.2 event and device
// management services.
package onvif

import (
	"bytes"
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"camera-events/internal/device"
	"camera-events/internal/events/domain"
)

const (
	defaultTimeout     = 10 * time.Second
	defaultTermination = time.Minute
	defaultEventsPath  = "/onvif/event_service"
	maxResponseBytes   = 8 << 20
)

// Clock provides current time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.client = client
		}
	}
}

// WithCredentials enables WS-Security UsernameToken authentication.
func WithCredentials(username, password string) Option {
	return func(c *Client) {
		c.username = username
		c.password = password
	}
}

// WithTimeout bounds every call that does not carry its own budget.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.timeout = timeout
		}
	}
}

// WithEventsURL sets the event service address. By default it is derived
// from the device service URL.
func WithEventsURL(raw string) Option {
	return func(c *Client) {
		if raw != "" {
			c.eventsURL = raw
		}
	}
}

// WithTermination sets the requested subscription lifetime.
func WithTermination(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.termination = d
		}
	}
}

// WithClock overrides time source.
func WithClock(clock Clock) Option {
	return func(c *Client) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// Client talks to a single camera.
type Client struct {
	deviceURL   string
	eventsURL   string
	username    string
	password    string
	timeout     time.Duration
	termination time.Duration
	client      *http.Client
	clock       Clock
}

var _ device.Gateway = (*Client)(nil)

// NewClient constructs a client for the device service at deviceURL.
func NewClient(deviceURL string, opts ...Option) (*Client, error) {
	if deviceURL == "" {
		return nil, errors.New("onvif: empty device url")
	}
	parsed, err := url.Parse(deviceURL)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, fmt.Errorf("onvif: invalid device url %q", deviceURL)
	}
	c := &Client{
		deviceURL:   deviceURL,
		eventsURL:   (&url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: defaultEventsPath}).String(),
		timeout:     defaultTimeout,
		termination: defaultTermination,
		client:      &http.Client{},
		clock:       systemClock{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c, nil
}

// CreateSubscription creates a pull point in poll mode. In push mode it only
// checks that the event service answers; the subscription itself is created
// by Subscribe once the callback address is known.
func (c *Client) CreateSubscription(ctx context.Context, mode device.Mode) (device.Handle, error) {
	switch mode {
	case device.ModePoll:
		req := createPullPointRequest{InitialTerminationTime: isoDuration(c.termination)}
		var resp createPullPointResponse
		if err := c.call(ctx, "create_pull_point", c.eventsURL, actionCreatePullPoint, req, &resp, c.timeout); err != nil {
			return device.Handle{}, err
		}
		address := strings.TrimSpace(resp.SubscriptionReference.Address)
		if address == "" {
			return device.Handle{}, &device.SubscriptionError{Op: "create_pull_point", Reason: "response carries no subscription address"}
		}
		return device.Handle{
			ID:          address,
			Address:     address,
			Mode:        device.ModePoll,
			TerminateAt: parseTime(resp.TerminationTime),
		}, nil
	case device.ModePush:
		if err := c.call(ctx, "service_capabilities", c.eventsURL, actionServiceCaps, serviceCapabilitiesRequest{}, nil, c.timeout); err != nil {
			return device.Handle{}, err
		}
		return device.Handle{Mode: device.ModePush}, nil
	default:
		return device.Handle{}, fmt.Errorf("onvif: unsupported mode %q", mode)
	}
}

// Subscribe registers callbackURL as the notification consumer.
func (c *Client) Subscribe(ctx context.Context, handle device.Handle, callbackURL string) (device.Handle, error) {
	if callbackURL == "" {
		return device.Handle{}, errors.New("onvif: empty callback url")
	}
	req := subscribeRequest{
		ConsumerReference:      addressed{Address: callbackURL},
		InitialTerminationTime: isoDuration(c.termination),
	}
	var resp subscribeResponse
	if err := c.call(ctx, "subscribe", c.eventsURL, actionSubscribe, req, &resp, c.timeout); err != nil {
		return device.Handle{}, err
	}
	address := strings.TrimSpace(resp.SubscriptionReference.Address)
	if address == "" {
		return device.Handle{}, &device.SubscriptionError{Op: "subscribe", Reason: "response carries no subscription address"}
	}
	handle.ID = address
	handle.Address = address
	handle.Mode = device.ModePush
	handle.TerminateAt = parseTime(resp.TerminationTime)
	return handle, nil
}

// Poll pulls up to limit messages, letting the device wait up to timeout for
// new ones. The whole response envelope is returned as one notification.
func (c *Client) Poll(ctx context.Context, handle device.Handle, limit int, timeout time.Duration) ([]domain.RawNotification, error) {
	if handle.Address == "" {
		return nil, &device.SubscriptionError{Op: "pull_messages", Reason: "subscription not found: empty handle"}
	}
	if limit <= 0 {
		limit = 1
	}
	req := pullMessagesRequest{Timeout: isoDuration(timeout), MessageLimit: limit}
	payload, err := c.exchange(ctx, "pull_messages", handle.Address, actionPullMessages, req, c.timeout+timeout)
	if err != nil {
		return nil, err
	}
	var resp pullMessagesResponse
	if err := decodeBody(payload, &resp); err != nil {
		return nil, &device.TransportError{Op: "pull_messages", Err: err}
	}
	if len(resp.Messages) == 0 {
		return nil, nil
	}
	return []domain.RawNotification{{
		Payload:    payload,
		ReceivedAt: c.clock.Now(),
		Transport:  domain.TransportPoll,
	}}, nil
}

// Renew extends the subscription lifetime.
func (c *Client) Renew(ctx context.Context, handle device.Handle) error {
	if handle.Address == "" {
		return &device.SubscriptionError{Op: "renew", Reason: "subscription not found: empty handle"}
	}
	req := renewRequest{TerminationTime: isoDuration(c.termination)}
	var resp renewResponse
	return c.call(ctx, "renew", handle.Address, actionRenew, req, &resp, c.timeout)
}

// Unsubscribe releases the subscription resource.
func (c *Client) Unsubscribe(ctx context.Context, handle device.Handle) error {
	if handle.Address == "" {
		return nil
	}
	return c.call(ctx, "unsubscribe", handle.Address, actionUnsubscribe, unsubscribeRequest{}, nil, c.timeout)
}

// DeviceInfo returns the identity reported by the device management service.
func (c *Client) DeviceInfo(ctx context.Context) (device.Info, error) {
	var resp deviceInfoResponse
	if err := c.call(ctx, "device_information", c.deviceURL, actionDeviceInfo, deviceInfoRequest{}, &resp, c.timeout); err != nil {
		return device.Info{}, err
	}
	host := c.deviceURL
	if parsed, err := url.Parse(c.deviceURL); err == nil {
		host = parsed.Hostname()
	}
	return device.Info{
		Hostname:     host,
		Manufacturer: strings.TrimSpace(resp.Manufacturer),
		Model:        strings.TrimSpace(resp.Model),
		Firmware:     strings.TrimSpace(resp.FirmwareVersion),
		Serial:       strings.TrimSpace(resp.SerialNumber),
	}, nil
}

func (c *Client) call(ctx context.Context, op, endpoint, action string, req any, out any, budget time.Duration) error {
	payload, err := c.exchange(ctx, op, endpoint, action, req, budget)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	if err := decodeBody(payload, out); err != nil {
		return &device.TransportError{Op: op, Err: err}
	}
	return nil
}

// exchange sends one SOAP request and returns the raw response envelope.
// Faults become SubscriptionError; everything else that is not a SOAP
// success becomes TransportError.
func (c *Client) exchange(ctx context.Context, op, endpoint, action string, req any, budget time.Duration) ([]byte, error) {
	if budget > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, budget)
		defer cancel()
	}

	header := requestHeader{
		Action:    action,
		MessageID: "urn:uuid:" + uuid.NewString(),
		To:        endpoint,
		ReplyTo:   &addressed{Address: nsWSA + "/anonymous"},
	}
	if c.username != "" {
		sec, err := newSecurity(c.username, c.password, c.clock.Now())
		if err != nil {
			return nil, &device.TransportError{Op: op, Err: err}
		}
		header.Security = sec
	}
	body, err := marshalEnvelope(newRequestEnvelope(header, req))
	if err != nil {
		return nil, fmt.Errorf("onvif %s: encode request: %w", op, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &device.TransportError{Op: op, Err: err}
	}
	httpReq.Header.Set("Content-Type", `application/soap+xml; charset=utf-8; action="`+action+`"`)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &device.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &device.TransportError{Op: op, Err: err}
	}

	var env responseEnvelope
	decodeErr := xml.Unmarshal(payload, &env)
	if decodeErr == nil && env.Body.Fault != nil {
		return nil, &device.SubscriptionError{Op: op, Code: env.Body.Fault.code(), Reason: env.Body.Fault.reason()}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, &device.TransportError{Op: op, Err: fmt.Errorf("http %d", resp.StatusCode)}
	}
	if decodeErr != nil {
		return nil, &device.TransportError{Op: op, Err: fmt.Errorf("decode envelope: %w", decodeErr)}
	}
	return payload, nil
}

func decodeBody(payload []byte, out any) error {
	var env responseEnvelope
	if err := xml.Unmarshal(payload, &env); err != nil {
		return err
	}
	if len(bytes.TrimSpace(env.Body.Inner)) == 0 {
		return errors.New("empty soap body")
	}
	return xml.Unmarshal(env.Body.Inner, out)
}

// isoDuration renders d as an xs:duration in whole seconds.
func isoDuration(d time.Duration) string {
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return "PT" + strconv.FormatInt(secs, 10) + "S"
}

func parseTime(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}
