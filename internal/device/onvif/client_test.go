package onvif

import (
	"context"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"camera-events/internal/device"
	"camera-events/internal/events/domain"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

type recordedRequest struct {
	Action string
	Body   string
}

type soapStub struct {
	mu       sync.Mutex
	requests []recordedRequest
	respond  func(w http.ResponseWriter, action, body string)
}

func (s *soapStub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	raw, _ := io.ReadAll(r.Body)
	action := ""
	if _, rest, ok := strings.Cut(r.Header.Get("Content-Type"), `action="`); ok {
		action = strings.TrimSuffix(rest, `"`)
	}
	s.mu.Lock()
	s.requests = append(s.requests, recordedRequest{Action: action, Body: string(raw)})
	s.mu.Unlock()
	s.respond(w, action, string(raw))
}

func (s *soapStub) last() recordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.requests) == 0 {
		return recordedRequest{}
	}
	return s.requests[len(s.requests)-1]
}

func writeEnvelope(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "application/soap+xml; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<env:Envelope xmlns:env="http://www.w3.org/2003/05/soap-envelope"
  xmlns:tev="http://www.onvif.org/ver10/events/wsdl"
  xmlns:wsnt="http://docs.oasis-open.org/wsn/b-2"
  xmlns:wsa5="http://www.w3.org/2005/08/addressing"
  xmlns:tt="http://www.onvif.org/ver10/schema"
  xmlns:tds="http://www.onvif.org/ver10/device/wsdl">
<env:Body>`+body+`</env:Body></env:Envelope>`)
}

const pullResponseTwoMessages = `<tev:PullMessagesResponse>
<tev:CurrentTime>2026-03-01T12:00:00Z</tev:CurrentTime>
<tev:TerminationTime>2026-03-01T12:01:00Z</tev:TerminationTime>
<wsnt:NotificationMessage>
  <wsnt:Topic Dialect="http://www.onvif.org/ver10/tev/topicExpression/ConcreteSet">tns1:RuleEngine/CellMotionDetector/Motion</wsnt:Topic>
  <wsnt:Message><tt:Message UtcTime="2026-03-01T12:00:00Z" PropertyOperation="Changed">
    <tt:Source><tt:SimpleItem Name="VideoSourceConfigurationToken" Value="vsc0"/></tt:Source>
    <tt:Data><tt:SimpleItem Name="IsMotion" Value="true"/></tt:Data>
  </tt:Message></wsnt:Message>
</wsnt:NotificationMessage>
<wsnt:NotificationMessage>
  <wsnt:Topic>tns1:VideoSource/MotionAlarm</wsnt:Topic>
  <wsnt:Message><tt:Message UtcTime="2026-03-01T12:00:01Z">
    <tt:Data><tt:SimpleItem Name="State" Value="true"/></tt:Data>
  </tt:Message></wsnt:Message>
</wsnt:NotificationMessage>
</tev:PullMessagesResponse>`

func newTestClient(t *testing.T, stub *soapStub, opts ...Option) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(stub)
	t.Cleanup(srv.Close)
	opts = append([]Option{WithEventsURL(srv.URL + "/onvif/events")}, opts...)
	client, err := NewClient(srv.URL+"/onvif/device_service", opts...)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, srv
}

func TestCreatePullPointSubscription(t *testing.T) {
	stub := &soapStub{}
	var srvURL string
	stub.respond = func(w http.ResponseWriter, action, body string) {
		if action != actionCreatePullPoint {
			t.Errorf("unexpected action %q", action)
		}
		writeEnvelope(w, http.StatusOK, `<tev:CreatePullPointSubscriptionResponse>
<tev:SubscriptionReference><wsa5:Address>`+srvURL+`/onvif/pullpoint/7</wsa5:Address></tev:SubscriptionReference>
<wsnt:CurrentTime>2026-03-01T12:00:00Z</wsnt:CurrentTime>
<wsnt:TerminationTime>2026-03-01T12:01:00Z</wsnt:TerminationTime>
</tev:CreatePullPointSubscriptionResponse>`)
	}
	client, srv := newTestClient(t, stub, WithTermination(90*time.Second))
	srvURL = srv.URL

	handle, err := client.CreateSubscription(context.Background(), device.ModePoll)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if handle.Address != srv.URL+"/onvif/pullpoint/7" || handle.Mode != device.ModePoll {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if want := time.Date(2026, 3, 1, 12, 1, 0, 0, time.UTC); !handle.TerminateAt.Equal(want) {
		t.Fatalf("expected termination %v, got %v", want, handle.TerminateAt)
	}
	if body := stub.last().Body; !strings.Contains(body, "<tev:InitialTerminationTime>PT90S</tev:InitialTerminationTime>") {
		t.Fatalf("expected termination in request, got %s", body)
	}
}

func TestRequestCarriesPasswordDigest(t *testing.T) {
	stub := &soapStub{respond: func(w http.ResponseWriter, _, _ string) {
		writeEnvelope(w, http.StatusOK, `<tds:GetDeviceInformationResponse>
<tds:Manufacturer>Acme</tds:Manufacturer><tds:Model>CAM-200</tds:Model>
<tds:FirmwareVersion>1.2.3</tds:FirmwareVersion><tds:SerialNumber>SN1</tds:SerialNumber>
<tds:HardwareId>hw</tds:HardwareId></tds:GetDeviceInformationResponse>`)
	}}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	client, _ := newTestClient(t, stub, WithCredentials("admin", "secret"), WithClock(clock))

	info, err := client.DeviceInfo(context.Background())
	if err != nil {
		t.Fatalf("device info: %v", err)
	}
	if info.Manufacturer != "Acme" || info.Model != "CAM-200" || info.Firmware != "1.2.3" || info.Hostname != "127.0.0.1" {
		t.Fatalf("unexpected info: %+v", info)
	}

	var env struct {
		Header struct {
			Security struct {
				UsernameToken struct {
					Username string `xml:"Username"`
					Password string `xml:"Password"`
					Nonce    string `xml:"Nonce"`
					Created  string `xml:"Created"`
				} `xml:"UsernameToken"`
			} `xml:"Security"`
		} `xml:"Header"`
	}
	if err := xml.Unmarshal([]byte(stub.last().Body), &env); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	token := env.Header.Security.UsernameToken
	if token.Username != "admin" || token.Created != "2026-03-01T12:00:00.000Z" {
		t.Fatalf("unexpected token: %+v", token)
	}
	nonce, err := base64.StdEncoding.DecodeString(token.Nonce)
	if err != nil || len(nonce) != 16 {
		t.Fatalf("expected 16 byte nonce, got %q (%v)", token.Nonce, err)
	}
	if want := passwordDigest(nonce, token.Created, "secret"); token.Password != want {
		t.Fatalf("expected digest %s, got %s", want, token.Password)
	}
}

func TestPollReturnsWholeEnvelope(t *testing.T) {
	stub := &soapStub{respond: func(w http.ResponseWriter, _, _ string) {
		writeEnvelope(w, http.StatusOK, pullResponseTwoMessages)
	}}
	clock := &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 5, 0, time.UTC)}
	client, srv := newTestClient(t, stub, WithClock(clock))

	handle := device.Handle{Address: srv.URL + "/onvif/pullpoint/7", Mode: device.ModePoll}
	notes, err := client.Poll(context.Background(), handle, 10, time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(notes) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(notes))
	}
	if notes[0].Transport != domain.TransportPoll || !notes[0].ReceivedAt.Equal(clock.now) {
		t.Fatalf("unexpected notification: %+v", notes[0])
	}
	if strings.Count(string(notes[0].Payload), "NotificationMessage>") != 4 {
		t.Fatalf("expected both blocks in payload")
	}
	body := stub.last().Body
	if !strings.Contains(body, "<tev:MessageLimit>10</tev:MessageLimit>") || !strings.Contains(body, "<tev:Timeout>PT1S</tev:Timeout>") {
		t.Fatalf("unexpected pull request: %s", body)
	}
}

func TestPollEmptyResponse(t *testing.T) {
	stub := &soapStub{respond: func(w http.ResponseWriter, _, _ string) {
		writeEnvelope(w, http.StatusOK, `<tev:PullMessagesResponse><tev:CurrentTime>2026-03-01T12:00:00Z</tev:CurrentTime></tev:PullMessagesResponse>`)
	}}
	client, srv := newTestClient(t, stub)

	notes, err := client.Poll(context.Background(), device.Handle{Address: srv.URL + "/pp"}, 5, time.Second)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if len(notes) != 0 {
		t.Fatalf("expected no notifications, got %d", len(notes))
	}
}

func TestFaultBecomesSubscriptionError(t *testing.T) {
	stub := &soapStub{respond: func(w http.ResponseWriter, _, _ string) {
		writeEnvelope(w, http.StatusBadRequest, `<env:Fault>
<env:Code><env:Value>env:Sender</env:Value>
  <env:Subcode><env:Value>wsrf-rw:ResourceUnknownFault</env:Value></env:Subcode></env:Code>
<env:Reason><env:Text xml:lang="en">Unknown pull point</env:Text></env:Reason>
</env:Fault>`)
	}}
	client, srv := newTestClient(t, stub)

	_, err := client.Poll(context.Background(), device.Handle{Address: srv.URL + "/pp"}, 5, time.Second)
	var subErr *device.SubscriptionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubscriptionError, got %v", err)
	}
	if subErr.Code != "wsrf-rw:ResourceUnknownFault" || subErr.Reason != "Unknown pull point" {
		t.Fatalf("unexpected fault: %+v", subErr)
	}
	if !device.IsSubscriptionGone(err) {
		t.Fatalf("expected subscription gone")
	}
}

func TestNonSOAPFailureIsTransportError(t *testing.T) {
	stub := &soapStub{respond: func(w http.ResponseWriter, _, _ string) {
		http.Error(w, "bad gateway", http.StatusBadGateway)
	}}
	client, srv := newTestClient(t, stub)

	err := client.Renew(context.Background(), device.Handle{Address: srv.URL + "/sub/1"})
	var te *device.TransportError
	if !errors.As(err, &te) || te.Op != "renew" {
		t.Fatalf("expected TransportError for renew, got %v", err)
	}
}

func TestCallHonorsTimeout(t *testing.T) {
	release := make(chan struct{})
	stub := &soapStub{respond: func(w http.ResponseWriter, _, _ string) {
		<-release
	}}
	client, srv := newTestClient(t, stub, WithTimeout(50*time.Millisecond))
	defer close(release)

	start := time.Now()
	err := client.Unsubscribe(context.Background(), device.Handle{Address: srv.URL + "/sub/1"})
	var te *device.TransportError
	if !errors.As(err, &te) || !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline TransportError, got %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("timeout not applied")
	}
}

func TestPushSubscribe(t *testing.T) {
	stub := &soapStub{}
	stub.respond = func(w http.ResponseWriter, action, body string) {
		switch action {
		case actionServiceCaps:
			writeEnvelope(w, http.StatusOK, `<tev:GetServiceCapabilitiesResponse><tev:Capabilities WSPullPointSupport="true"/></tev:GetServiceCapabilitiesResponse>`)
		case actionSubscribe:
			writeEnvelope(w, http.StatusOK, `<wsnt:SubscribeResponse>
<wsnt:SubscriptionReference><wsa5:Address>http://cam/onvif/subscription/3</wsa5:Address></wsnt:SubscriptionReference>
<wsnt:TerminationTime>2026-03-01T12:01:00Z</wsnt:TerminationTime></wsnt:SubscribeResponse>`)
		default:
			t.Errorf("unexpected action %q", action)
			w.WriteHeader(http.StatusInternalServerError)
		}
	}
	client, _ := newTestClient(t, stub)

	handle, err := client.CreateSubscription(context.Background(), device.ModePush)
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	handle, err = client.Subscribe(context.Background(), handle, "http://relay:8081/onvif/notify")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if handle.Address != "http://cam/onvif/subscription/3" || handle.Mode != device.ModePush {
		t.Fatalf("unexpected handle: %+v", handle)
	}
	if body := stub.last().Body; !strings.Contains(body, "<wsa:Address>http://relay:8081/onvif/notify</wsa:Address>") {
		t.Fatalf("expected consumer reference, got %s", body)
	}
}

func TestIsoDuration(t *testing.T) {
	cases := map[time.Duration]string{
		0:                       "PT1S",
		1500 * time.Millisecond: "PT1S",
		time.Minute:             "PT60S",
	}
	for in, want := range cases {
		if got := isoDuration(in); got != want {
			t.Fatalf("isoDuration(%v): expected %s, got %s", in, want, got)
		}
	}
}
