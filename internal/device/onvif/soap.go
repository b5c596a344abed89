package onvif

import (
	"bytes"
	"encoding/xml"
	"strings"
)

const (
	nsSOAP  = "http://www.w3.org/2003/05/soap-envelope"
	nsWSA   = "http://www.w3.org/2005/08/addressing"
	nsWSSE  = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-secext-1.0.xsd"
	nsWSU   = "http://docs.oasis-open.org/wss/2004/01/oasis-200401-wss-wssecurity-utility-1.0.xsd"
	nsWSNT  = "http://docs.oasis-open.org/wsn/b-2"
	nsEvent = "http://www.onvif.org/ver10/events/wsdl"
	nsDev   = "http://www.onvif.org/ver10/device/wsdl"

	actionCreatePullPoint = "http://www.onvif.org/ver10/events/wsdl/EventPortType/CreatePullPointSubscriptionRequest"
	actionServiceCaps     = "http://www.onvif.org/ver10/events/wsdl/EventPortType/GetServiceCapabilitiesRequest"
	actionPullMessages    = "http://www.onvif.org/ver10/events/wsdl/PullPointSubscription/PullMessagesRequest"
	actionSubscribe       = "http://docs.oasis-open.org/wsn/bw-2/NotificationProducer/SubscribeRequest"
	actionRenew           = "http://docs.oasis-open.org/wsn/bw-2/SubscriptionManager/RenewRequest"
	actionUnsubscribe     = "http://docs.oasis-open.org/wsn/bw-2/SubscriptionManager/UnsubscribeRequest"
	actionDeviceInfo      = "http://www.onvif.org/ver10/device/wsdl/GetDeviceInformation"
)

// Outgoing envelopes use literal prefixes; the namespaces are declared once
// on the root element.
type requestEnvelope struct {
	XMLName xml.Name `xml:"s:Envelope"`
	NSSoap  string   `xml:"xmlns:s,attr"`
	NSWSA   string   `xml:"xmlns:wsa,attr"`
	NSWSSE  string   `xml:"xmlns:wsse,attr"`
	NSWSU   string   `xml:"xmlns:wsu,attr"`
	NSWSNT  string   `xml:"xmlns:wsnt,attr"`
	NSEvent string   `xml:"xmlns:tev,attr"`
	NSDev   string   `xml:"xmlns:tds,attr"`
	Header  requestHeader
	Body    requestBody
}

type requestHeader struct {
	XMLName   xml.Name   `xml:"s:Header"`
	Security  *security  `xml:"wsse:Security,omitempty"`
	Action    string     `xml:"wsa:Action"`
	MessageID string     `xml:"wsa:MessageID"`
	To        string     `xml:"wsa:To"`
	ReplyTo   *addressed `xml:"wsa:ReplyTo,omitempty"`
}

type addressed struct {
	Address string `xml:"wsa:Address"`
}

type requestBody struct {
	XMLName xml.Name `xml:"s:Body"`
	Content any
}

func newRequestEnvelope(header requestHeader, content any) requestEnvelope {
	return requestEnvelope{
		NSSoap:  nsSOAP,
		NSWSA:   nsWSA,
		NSWSSE:  nsWSSE,
		NSWSU:   nsWSU,
		NSWSNT:  nsWSNT,
		NSEvent: nsEvent,
		NSDev:   nsDev,
		Header:  header,
		Body:    requestBody{Content: content},
	}
}

func marshalEnvelope(env requestEnvelope) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteString(xml.Header)
	if err := xml.NewEncoder(&buf).Encode(env); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Requests.

type createPullPointRequest struct {
	XMLName                xml.Name `xml:"tev:CreatePullPointSubscription"`
	InitialTerminationTime string   `xml:"tev:InitialTerminationTime,omitempty"`
}

type serviceCapabilitiesRequest struct {
	XMLName xml.Name `xml:"tev:GetServiceCapabilities"`
}

type pullMessagesRequest struct {
	XMLName      xml.Name `xml:"tev:PullMessages"`
	Timeout      string   `xml:"tev:Timeout"`
	MessageLimit int      `xml:"tev:MessageLimit"`
}

type subscribeRequest struct {
	XMLName                xml.Name  `xml:"wsnt:Subscribe"`
	ConsumerReference      addressed `xml:"wsnt:ConsumerReference"`
	InitialTerminationTime string    `xml:"wsnt:InitialTerminationTime,omitempty"`
}

type renewRequest struct {
	XMLName         xml.Name `xml:"wsnt:Renew"`
	TerminationTime string   `xml:"wsnt:TerminationTime"`
}

type unsubscribeRequest struct {
	XMLName xml.Name `xml:"wsnt:Unsubscribe"`
}

type deviceInfoRequest struct {
	XMLName xml.Name `xml:"tds:GetDeviceInformation"`
}

// Responses are matched by local name only.

type responseEnvelope struct {
	Body struct {
		Fault *soapFault `xml:"Fault"`
		Inner []byte     `xml:",innerxml"`
	} `xml:"Body"`
}

type soapFault struct {
	Code struct {
		Value   string `xml:"Value"`
		Subcode struct {
			Value   string `xml:"Value"`
			Subcode struct {
				Value string `xml:"Value"`
			} `xml:"Subcode"`
		} `xml:"Subcode"`
	} `xml:"Code"`
	Reason struct {
		Text []string `xml:"Text"`
	} `xml:"Reason"`
	// SOAP 1.1 devices.
	FaultCode   string `xml:"faultcode"`
	FaultString string `xml:"faultstring"`
}

func (f *soapFault) code() string {
	for _, v := range []string{f.Code.Subcode.Subcode.Value, f.Code.Subcode.Value, f.Code.Value, f.FaultCode} {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}

func (f *soapFault) reason() string {
	for _, text := range f.Reason.Text {
		if text = strings.TrimSpace(text); text != "" {
			return text
		}
	}
	return strings.TrimSpace(f.FaultString)
}

type subscriptionReference struct {
	Address string `xml:"Address"`
}

type createPullPointResponse struct {
	SubscriptionReference subscriptionReference `xml:"SubscriptionReference"`
	TerminationTime       string                `xml:"TerminationTime"`
}

type subscribeResponse struct {
	SubscriptionReference subscriptionReference `xml:"SubscriptionReference"`
	TerminationTime       string                `xml:"TerminationTime"`
}

type renewResponse struct {
	TerminationTime string `xml:"TerminationTime"`
}

type pullMessagesResponse struct {
	Messages []struct{} `xml:"NotificationMessage"`
}

type deviceInfoResponse struct {
	Manufacturer    string `xml:"Manufacturer"`
	Model           string `xml:"Model"`
	FirmwareVersion string `xml:"FirmwareVersion"`
	SerialNumber    string `xml:"SerialNumber"`
}
