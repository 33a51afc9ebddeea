package notify

import (
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"strings"

	"courierops/internal/gateway"
	"courierops/internal/orders"
)

// Composer renders courier-facing message bodies (Telegram Markdown) and the
// optional action keyboard, enforcing the gateway payload limit.
type Composer struct {
	baseURL string
}

func NewComposer(baseURL string) *Composer {
	return &Composer{baseURL: strings.TrimRight(baseURL, "/")}
}

// Compose builds the text and keyboard for a request. The keyboard is
// dropped — never the text truncated — when the combined payload would
// exceed the gateway limit, and omitted entirely when the configured base
// URL is not routable from the outside (external gateways reject such links).
func (c *Composer) Compose(req Request, o *orders.Order) (string, *gateway.Keyboard) {
	var text string
	var kb *gateway.Keyboard

	switch {
	case req.Type == TypeNewOrder:
		text = c.newOrderText(o)
		kb = c.keyboard("📋 Посмотреть заказ", "/courier/dashboard?order="+o.ID)
	case req.Type == TypeOrderCancelled || o.Status == orders.StatusCanceled:
		text = c.canceledText(o)
	case req.OldStatus == orders.StatusCourierWait && o.Status == orders.StatusCourierPicked:
		text = c.pickedText(o)
		kb = c.keyboard("📦 Мои заказы", "/courier/dashboard?tab=my")
	case o.Status == orders.StatusEnroute:
		text = c.enrouteText(o)
		kb = c.keyboard("📦 Мои заказы", "/courier/dashboard?tab=my")
	case o.Status == orders.StatusDelivered:
		text = c.deliveredText(o)
	default:
		text = c.genericText(o, req.OldStatus)
	}

	if kb != nil && len(text)+keyboardLen(kb) > gateway.MaxMessageLen {
		kb = nil
	}
	return text, kb
}

func (c *Composer) newOrderText(o *orders.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🆕 *Новый заказ!*\n\n")
	fmt.Fprintf(&b, "📋 *Заказ #%s*\n", orders.ShortID(o.ID))
	fmt.Fprintf(&b, "📍 *Адрес:* %s\n", o.DeliveryAddress)
	fmt.Fprintf(&b, "💰 *Сумма:* %.2f сом\n", o.Total())
	fmt.Fprintf(&b, "📅 *Дата:* %s\n", o.CreatedAt.Format("02.01.2006 15:04"))
	if o.CustomerComment != "" {
		fmt.Fprintf(&b, "\n💬 *Комментарий:* %s\n", o.CustomerComment)
	}
	b.WriteString("\n*Товары:*\n")
	for _, it := range o.Items {
		fmt.Fprintf(&b, "• %s (%d шт.) - %.2f сом\n", it.Name, it.Quantity, it.UnitPrice*float64(it.Quantity))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (c *Composer) pickedText(o *orders.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ *Вы взяли заказ #%s*\n\n", orders.ShortID(o.ID))
	fmt.Fprintf(&b, "📍 *Адрес:* %s\n", o.DeliveryAddress)
	fmt.Fprintf(&b, "👤 *Клиент:* %s\n", o.CustomerName)
	fmt.Fprintf(&b, "📞 *Телефон:* %s\n", o.CustomerPhone)
	if o.CustomerComment != "" {
		fmt.Fprintf(&b, "\n💬 *Комментарий:* %s\n", o.CustomerComment)
	}
	fmt.Fprintf(&b, "\n🚚 *Курьер:* %s", courierName(o))
	return b.String()
}

func (c *Composer) enrouteText(o *orders.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🚚 *Заказ #%s в пути*\n\n", orders.ShortID(o.ID))
	fmt.Fprintf(&b, "📍 *Адрес:* %s\n", o.DeliveryAddress)
	fmt.Fprintf(&b, "👤 *Клиент:* %s\n", o.CustomerName)
	fmt.Fprintf(&b, "📞 *Телефон:* %s\n", o.CustomerPhone)
	if o.CustomerComment != "" {
		fmt.Fprintf(&b, "\n💬 *Комментарий:* %s\n", o.CustomerComment)
	}
	fmt.Fprintf(&b, "\n🚚 *Курьер:* %s", courierName(o))
	return b.String()
}

func (c *Composer) deliveredText(o *orders.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "✅ *Заказ #%s доставлен*\n\n", orders.ShortID(o.ID))
	fmt.Fprintf(&b, "📍 *Адрес:* %s\n", o.DeliveryAddress)
	fmt.Fprintf(&b, "👤 *Клиент:* %s\n", o.CustomerName)
	fmt.Fprintf(&b, "\n🚚 *Курьер:* %s", courierName(o))
	return b.String()
}

func (c *Composer) canceledText(o *orders.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "❌ *Заказ #%s отменен*\n\n", orders.ShortID(o.ID))
	fmt.Fprintf(&b, "📍 *Адрес:* %s\n", o.DeliveryAddress)
	if o.CancelComment != "" {
		fmt.Fprintf(&b, "💬 *Причина отмены:* %s\n", o.CancelComment)
	}
	fmt.Fprintf(&b, "\n🚚 *Курьер:* %s", courierName(o))
	return b.String()
}

func (c *Composer) genericText(o *orders.Order, old orders.Status) string {
	var b strings.Builder
	fmt.Fprintf(&b, "🔄 *Обновление заказа #%s*\n\n", orders.ShortID(o.ID))
	fmt.Fprintf(&b, "Статус изменен: *%s* → *%s*\n\n", old.Label(), o.Status.Label())
	fmt.Fprintf(&b, "📍 *Адрес:* %s", o.DeliveryAddress)
	if o.Courier != nil {
		fmt.Fprintf(&b, "\n\n🚚 *Курьер:* %s", o.Courier.Fullname)
	}
	return b.String()
}

func courierName(o *orders.Order) string {
	if o.Courier != nil {
		return o.Courier.Fullname
	}
	return "Не назначен"
}

func (c *Composer) keyboard(label, path string) *gateway.Keyboard {
	if !RoutableBaseURL(c.baseURL) {
		return nil
	}
	return &gateway.Keyboard{Rows: [][]gateway.Button{{{Label: label, URL: c.baseURL + path}}}}
}

// keyboardLen approximates the keyboard's wire size the way the gateway
// counts it: the serialized JSON length.
func keyboardLen(kb *gateway.Keyboard) int {
	b, err := json.Marshal(kb)
	if err != nil {
		return 0
	}
	return len(b)
}

// RoutableBaseURL reports whether the configured base URL is usable in an
// action keyboard: the gateway rejects links to loopback, private ranges and
// bare hosts.
func RoutableBaseURL(raw string) bool {
	if strings.TrimSpace(raw) == "" {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return false
	}
	host := u.Hostname()
	if strings.EqualFold(host, "localhost") {
		return false
	}
	if ip := net.ParseIP(host); ip != nil {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsUnspecified() || ip.IsLinkLocalUnicast() {
			return false
		}
		return true
	}
	// Plain-HTTP links to dotless hosts are rejected by the gateway.
	if u.Scheme == "http" && !strings.Contains(host, ".") {
		return false
	}
	return true
}
