package mqtt

import (
	"fmt"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/256dpi/gomqtt/packet"
)

func addrString(a net.Addr) string {
	if a == nil {
		return ""
	}
	return a.String()
}

func defaultString(main, def string) string {
	if main == "" {
		return def
	}
	return main
}

// dialURL drops credentials and maps scheme aliases to ones gomqtt transport knows.
func dialURL(u *url.URL) string {
	u2 := *u
	u2.User = nil
	switch u2.Scheme {
	case "ssl":
		u2.Scheme = "tls"
	}
	return u2.String()
}

func isClosedConn(e error) bool {
	return e != nil && strings.HasSuffix(e.Error(), "use of closed network connection")
}

func keepaliveAndHalf(sec uint16) time.Duration {
	d := time.Duration(sec) * time.Second
	return d + d/2
}

// PacketString differs from packet.String() in PUBLISH payload shown as text when printable.
func PacketString(p packet.Generic) string {
	if p == nil {
		return "(nil)"
	}
	if pub, ok := p.(*packet.Publish); ok {
		return fmt.Sprintf("<Publish ID=%d Dup=%t %s>", pub.ID, pub.Dup, MessageString(&pub.Message))
	}
	return p.String()
}

func MessageString(m *packet.Message) string {
	if m == nil {
		return "message=nil"
	}
	return fmt.Sprintf("Topic=%q QOS=%d Retain=%t Payload=%q", m.Topic, m.QOS, m.Retain, m.Payload)
}
