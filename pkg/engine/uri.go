package engine

import (
	"fmt"
	"strings"
)

// DialURI строит SIP URI назначения для номера.
//
// Полный URI (sip: или sips:) возвращается без изменений. Для голого номера
// строится sip:<номер>@<domain>, для tcp и tls добавляется параметр
// transport.
func DialURI(destination, domain, transport string) string {
	destination = strings.TrimSpace(destination)
	lower := strings.ToLower(destination)
	if strings.HasPrefix(lower, "sip:") || strings.HasPrefix(lower, "sips:") {
		return destination
	}

	uri := fmt.Sprintf("sip:%s@%s", destination, domain)
	switch t := strings.ToLower(transport); t {
	case "", "udp":
	default:
		uri += ";transport=" + t
	}
	return uri
}

// AccountURI возвращает адрес аккаунта sip:<user>@<domain>
func AccountURI(cfg AccountConfig) string {
	return fmt.Sprintf("sip:%s@%s", cfg.Username, cfg.Domain)
}

// RegistrarURI возвращает адрес регистратора sip:<domain>
func RegistrarURI(cfg AccountConfig) string {
	uri := "sip:" + cfg.Domain
	switch t := strings.ToLower(cfg.Transport); t {
	case "", "udp":
	default:
		uri += ";transport=" + t
	}
	return uri
}
