// Package telegram adapts the Telegram Bot API (via telebot long-polling) to
// the gateway.Client interface and hosts the courier onboarding conversation
// (/start, /help, contact sharing, free-text phone numbers).
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	tele "gopkg.in/telebot.v4"

	"courierops/internal/gateway"
	"courierops/internal/notify"
	logx "courierops/pkg/logx"
)

// TokenFunc resolves the bot credential at start time. The credential lives
// in the settings store, not in the process environment, so it is re-read on
// every session start.
type TokenFunc func(ctx context.Context) (string, error)

// Registrar handles an inbound identity-to-courier binding attempt.
type Registrar interface {
	Register(ctx context.Context, destination, rawPhone string) notify.RegistrationResult
}

type Config struct {
	PollTimeout time.Duration
	SendTimeout time.Duration
	APIBase     string // override for tests; empty means api.telegram.org
}

type Adapter struct {
	cfg       Config
	log       logx.Logger
	token     TokenFunc
	registrar Registrar

	onConflict func()

	runMu   sync.Mutex
	bot     *tele.Bot
	running bool
	cancel  context.CancelFunc
	runWG   sync.WaitGroup

	http *http.Client
}

var phonePattern = regexp.MustCompile(`^\+?[0-9\s\-()]{9,15}$`)

func New(cfg Config, token TokenFunc, registrar Registrar, log logx.Logger) *Adapter {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 30 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.APIBase == "" {
		cfg.APIBase = "https://api.telegram.org"
	}
	return &Adapter{
		cfg:       cfg,
		log:       log,
		token:     token,
		registrar: registrar,
		http:      &http.Client{Timeout: cfg.SendTimeout},
	}
}

// SetConflictHandler installs the callback fired when the poll loop sees a
// duplicate-consumer conflict. Must be called before Start.
func (a *Adapter) SetConflictHandler(fn func()) { a.onConflict = fn }

// Identity issues getMe against the raw API with a bounded client so the
// session preflight can distinguish an explicit conflict from a transport
// failure.
func (a *Adapter) Identity(ctx context.Context) (gateway.Identity, error) {
	token, err := a.token(ctx)
	if err != nil {
		return gateway.Identity{}, fmt.Errorf("resolve bot token: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return gateway.Identity{}, errors.New("telegram: bot token is empty")
	}

	url := a.cfg.APIBase + "/bot" + strings.TrimSpace(token) + "/getMe"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return gateway.Identity{}, err
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return gateway.Identity{}, err
	}
	defer resp.Body.Close()

	var out struct {
		OK          bool   `json:"ok"`
		ErrorCode   int    `json:"error_code"`
		Description string `json:"description"`
		Result      struct {
			ID       int64  `json:"id"`
			Username string `json:"username"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return gateway.Identity{}, err
	}
	if resp.StatusCode == http.StatusConflict || out.ErrorCode == http.StatusConflict {
		return gateway.Identity{}, gateway.ErrConflict
	}
	if !out.OK {
		return gateway.Identity{}, fmt.Errorf("telegram getMe failed: %s (code=%d http=%d)",
			out.Description, out.ErrorCode, resp.StatusCode)
	}
	return gateway.Identity{ID: out.Result.ID, Username: out.Result.Username}, nil
}

func (a *Adapter) Start(ctx context.Context) error {
	a.runMu.Lock()
	defer a.runMu.Unlock()
	if a.running {
		return nil
	}

	token, err := a.token(ctx)
	if err != nil {
		return fmt.Errorf("resolve bot token: %w", err)
	}
	if strings.TrimSpace(token) == "" {
		return errors.New("telegram: bot token is empty")
	}

	b, err := tele.NewBot(tele.Settings{
		Token: strings.TrimSpace(token),
		URL:   a.cfg.APIBase,
		Poller: &tele.LongPoller{
			Timeout:        a.cfg.PollTimeout,
			AllowedUpdates: []string{"message", "callback_query"},
		},
		Client: &http.Client{Timeout: a.cfg.PollTimeout + a.cfg.SendTimeout},
		OnError: func(err error, _ tele.Context) {
			if isConflict(err) {
				a.log.Error("telegram long-poll conflict: bot is polled elsewhere", logx.Err(err))
				if a.onConflict != nil {
					a.onConflict()
				}
				return
			}
			// Transport hiccups self-heal via the long poller retry.
			a.log.Warn("telegram poll error", logx.Err(err))
		},
	})
	if err != nil {
		if isConflict(err) {
			return gateway.ErrConflict
		}
		return err
	}

	a.registerHandlers(b)

	rctx, cancel := context.WithCancel(ctx)
	a.bot = b
	a.cancel = cancel
	a.running = true
	a.runWG.Add(1)
	go func() {
		defer a.runWG.Done()
		go func() {
			<-rctx.Done()
			b.Stop()
		}()
		a.log.Info("telegram polling started")
		b.Start() // blocks until Stop
	}()
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.runMu.Lock()
	cancel := a.cancel
	a.cancel = nil
	wasRunning := a.running
	a.running = false
	bot := a.bot
	a.runMu.Unlock()

	if !wasRunning {
		return nil
	}
	if cancel != nil {
		cancel()
	}
	if bot != nil {
		go bot.Stop()
	}

	done := make(chan struct{})
	go func() {
		a.runWG.Wait()
		close(done)
	}()

	// Keep shutdown snappy even if getUpdates is mid long-poll.
	grace := 2 * time.Second
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem > 0 && rem < grace {
			grace = rem
		}
	}
	t := time.NewTimer(grace)
	defer t.Stop()

	select {
	case <-done:
		a.log.Info("telegram polling stopped")
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		a.log.Warn("telegram stop grace elapsed, continuing shutdown")
		return nil
	}
}

func (a *Adapter) SendMessage(ctx context.Context, destination, text string, kb *gateway.Keyboard) error {
	a.runMu.Lock()
	bot := a.bot
	a.runMu.Unlock()
	if bot == nil {
		return errors.New("telegram: bot not started")
	}

	chatID, err := strconv.ParseInt(strings.TrimSpace(destination), 10, 64)
	if err != nil {
		return fmt.Errorf("telegram: bad destination %q: %w", destination, err)
	}

	opts := &tele.SendOptions{
		ParseMode:             tele.ModeMarkdown,
		DisableWebPagePreview: true,
	}
	if kb != nil {
		opts.ReplyMarkup = inlineMarkup(kb)
	}
	_, err = bot.Send(&tele.Chat{ID: chatID}, text, opts)
	if err != nil && isConflict(err) {
		return gateway.ErrConflict
	}
	return err
}

func inlineMarkup(kb *gateway.Keyboard) *tele.ReplyMarkup {
	rm := &tele.ReplyMarkup{}
	for _, row := range kb.Rows {
		var btns []tele.InlineButton
		for _, b := range row {
			btns = append(btns, tele.InlineButton{Text: b.Label, URL: b.URL})
		}
		rm.InlineKeyboard = append(rm.InlineKeyboard, btns)
	}
	return rm
}

func isConflict(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gateway.ErrConflict) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "conflict") || strings.Contains(msg, "409")
}

// ---- inbound conversation ----

const welcomeMessage = `👋 Добро пожаловать!

Если вы курьер, пожалуйста, поделитесь своим номером телефона, нажав кнопку ниже.
Здесь вы будете получать уведомления о заказах.

👋 Кош келиңиз!

Эгерде сиз курьер болсоңуз, төмөндөгү баскычты басып, телефон номериңизди бөлүшүңүз.
Бул жерден сиз заказдар боюнча билдирмелерди ала аласыз.`

const helpMessage = `🆘 Помощь / Жардам

🔹 /start - Начать регистрацию / Катталууну баштоо
🔹 📱 Поделиться номером - Зарегистрироваться / Системага катталуу
🔹 /help - Показать справку / Жардамды көрсөтүү

❓ Если есть вопросы, обратитесь к администратору.`

const unknownMessage = `❓ Извините, я не понимаю эту команду / Кечиресиз, мен бул буйрукту түшүнбөйм.

Используйте / Колдонуңуз:
🔹 /start - Для начала регистрации / Катталууну баштоо
🔹 /help - Для получения справки / Жардам алуу

Или поделитесь своим номером телефона / Же телефон номериңизди бөлүшүңүз.`

func (a *Adapter) registerHandlers(b *tele.Bot) {
	contactMenu := &tele.ReplyMarkup{ResizeKeyboard: true, OneTimeKeyboard: true}
	contactBtn := contactMenu.Contact("📱 Поделиться номером телефона / Телефон номерин бөлүшүү")
	contactMenu.Reply(contactMenu.Row(contactBtn))

	b.Handle("/start", func(c tele.Context) error {
		a.log.Info("inbound /start", logx.Int64("chat_id", c.Chat().ID))
		return c.Send(welcomeMessage, contactMenu)
	})

	b.Handle("/help", func(c tele.Context) error {
		return c.Send(helpMessage)
	})

	b.Handle(tele.OnContact, func(c tele.Context) error {
		contact := c.Message().Contact
		if contact == nil {
			return nil
		}
		return a.handleRegistration(c, contact.PhoneNumber)
	})

	b.Handle(tele.OnText, func(c tele.Context) error {
		text := strings.TrimSpace(c.Text())
		if text == "" || strings.HasPrefix(text, "/") {
			return nil
		}
		if phonePattern.MatchString(text) {
			return a.handleRegistration(c, text)
		}
		return c.Send(unknownMessage)
	})
}

func (a *Adapter) handleRegistration(c tele.Context, rawPhone string) error {
	chatID := strconv.FormatInt(c.Chat().ID, 10)
	a.log.Info("registration attempt", logx.String("chat_id", chatID))

	ctx, cancel := context.WithTimeout(context.Background(), a.cfg.SendTimeout)
	res := a.registrar.Register(ctx, chatID, rawPhone)
	cancel()

	var markup *tele.ReplyMarkup
	if res.Keyboard != nil {
		markup = inlineMarkup(res.Keyboard)
	} else {
		markup = &tele.ReplyMarkup{RemoveKeyboard: true}
	}
	if res.Success {
		a.log.Info("courier registered", logx.String("chat_id", chatID), logx.String("courier_id", res.CourierID))
	}
	return c.Send(res.Message, markup)
}
