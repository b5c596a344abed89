package normalize

import "encoding/xml"

// notificationMessage mirrors a WS-Notification NotificationMessage block.
// Tags carry no namespace so both push Notify bodies and PullMessagesResponse
// bodies decode regardless of the prefixes a device uses.
type notificationMessage struct {
	Topic   topicElement   `xml:"Topic"`
	Message messageWrapper `xml:"Message"`
	Raw     []byte         `xml:",innerxml"`
}

// scannedBlock is a decoded block with its position in the envelope.
type scannedBlock struct {
	index int
	msg   notificationMessage
}

type topicElement struct {
	Dialect string `xml:"Dialect,attr"`
	Value   string `xml:",chardata"`
}

type messageWrapper struct {
	Body *messageBody `xml:"Message"`
}

type messageBody struct {
	UtcTime           string   `xml:"UtcTime,attr"`
	PropertyOperation string   `xml:"PropertyOperation,attr"`
	Source            itemList `xml:"Source"`
	Key               itemList `xml:"Key"`
	Data              itemList `xml:"Data"`
}

type itemList struct {
	SimpleItems  []simpleItem  `xml:"SimpleItem"`
	ElementItems []elementItem `xml:"ElementItem"`
}

type simpleItem struct {
	Name  string `xml:"Name,attr"`
	Value string `xml:"Value,attr"`
}

type elementItem struct {
	Name  string `xml:"Name,attr"`
	Inner string `xml:",innerxml"`
}

const notificationElement = "NotificationMessage"

func isNotificationStart(start xml.StartElement) bool {
	return start.Name.Local == notificationElement
}
