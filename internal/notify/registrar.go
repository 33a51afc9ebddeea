package notify

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"courierops/internal/gateway"
	"courierops/internal/storage"
	logx "courierops/pkg/logx"
)

// DefaultCountryPrefix is assumed for local-format phone numbers.
const DefaultCountryPrefix = "+996"

// Registrar binds an inbound gateway identity (chat id) to a courier record
// by phone-number lookup. Last registration wins: re-registration overwrites
// the stored destination.
type Registrar struct {
	couriers      CourierDirectory
	bindings      BindingStore
	baseURL       string
	countryPrefix string
	log           logx.Logger
}

func NewRegistrar(couriers CourierDirectory, bindings BindingStore, baseURL string, log logx.Logger) *Registrar {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registrar{
		couriers:      couriers,
		bindings:      bindings,
		baseURL:       strings.TrimRight(baseURL, "/"),
		countryPrefix: DefaultCountryPrefix,
		log:           log,
	}
}

func (r *Registrar) Register(ctx context.Context, destination, rawPhone string) RegistrationResult {
	candidates := phoneCandidates(rawPhone, r.countryPrefix)
	courier, err := r.couriers.CourierByAnyPhone(ctx, candidates)
	if errors.Is(err, storage.ErrNotFound) {
		r.log.Info("registration: no courier for phone", logx.String("chat_id", destination))
		return RegistrationResult{
			Message: fmt.Sprintf("❌ Курьер с номером %s не найден в системе. Обратитесь к администратору.", rawPhone),
		}
	}
	if err != nil {
		r.log.Error("registration: courier lookup failed", logx.Err(err))
		return registrationError()
	}

	existing, err := r.bindings.CourierChatID(ctx, courier.ID)
	if err != nil {
		r.log.Error("registration: binding lookup failed", logx.Err(err))
		return registrationError()
	}
	if existing == destination {
		return RegistrationResult{
			Success:     true,
			CourierID:   courier.ID,
			CourierName: courier.Fullname,
			Message:     fmt.Sprintf("✅ Вы уже зарегистрированы в системе, %s! Ожидайте уведомления о новых заказах.", courier.Fullname),
		}
	}

	if err := r.bindings.SetCourierChatID(ctx, courier.ID, destination); err != nil {
		r.log.Error("registration: binding save failed", logx.String("courier_id", courier.ID), logx.Err(err))
		return registrationError()
	}

	r.log.Info("courier bound to chat", logx.String("courier_id", courier.ID), logx.String("chat_id", destination))
	res := RegistrationResult{
		Success:     true,
		CourierID:   courier.ID,
		CourierName: courier.Fullname,
		Message: fmt.Sprintf(`✅ Добро пожаловать, %s!

Вы успешно зарегистрированы в системе уведомлений. Теперь вы будете получать уведомления о новых заказах.

💻 Для просмотра всех заказов и управления ими используйте веб-сайт:`, courier.Fullname),
	}
	if RoutableBaseURL(r.baseURL) {
		res.Keyboard = &gateway.Keyboard{Rows: [][]gateway.Button{{
			{Label: "🌐 Войти на сайт", URL: r.baseURL + "/courier/login"},
		}}}
	}
	return res
}

func registrationError() RegistrationResult {
	return RegistrationResult{
		Message: "❌ Произошла ошибка при регистрации. Попробуйте позже или обратитесь к администратору.",
	}
}

// phoneCandidates produces the lookup forms tried against courier records:
// as given, digits only, digits with a plus, and digits behind the assumed
// country prefix. Inconsistent operator input formats make a single exact
// match unreliable.
func phoneCandidates(raw, countryPrefix string) []string {
	trimmed := strings.TrimSpace(raw)
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, trimmed)

	seen := map[string]bool{}
	var out []string
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	add(trimmed)
	add(digits)
	add("+" + digits)
	if len(digits) >= 9 {
		add(countryPrefix + digits[len(digits)-9:])
	}
	return out
}
