package catalog

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	ledgerdomain "github.com/pixelforge/pixelforge/internal/ledger/domain"
)

var (
	ErrUnknownAction = errors.New("unknown_action")
	ErrUnknownPlan   = errors.New("unknown_plan")
)

// Action is a priced generation operation.
type Action struct {
	Code  string
	Cost  int64
	Class ledgerdomain.CreditClass
}

// PlanKind distinguishes one-time credit packs from recurring plans.
type PlanKind string

const (
	PlanKindOneTime      PlanKind = "one_time"
	PlanKindSubscription PlanKind = "subscription"
)

// Plan maps a plan code to its grant and its PSP charge.
type Plan struct {
	Code           string
	Credits        int64
	Class          ledgerdomain.CreditClass
	PriceCents     int64
	Currency       string
	Kind           PlanKind
	IntervalMonths int
}

// AmountValue renders the charge the way the PSP API expects it.
func (p Plan) AmountValue() string {
	return strconv.FormatInt(p.PriceCents/100, 10) + "." + fmt.Sprintf("%02d", p.PriceCents%100)
}

// Yearly reports whether the plan bills once per twelve monthly cycles.
func (p Plan) Yearly() bool {
	return p.Kind == PlanKindSubscription && p.IntervalMonths == 12
}

// Catalog holds the static pricing tables. Read-mostly; mutation is
// restart-only, so a read/write lock is all the coordination needed.
type Catalog struct {
	mu      sync.RWMutex
	costs   map[string]int64
	classes map[string]ledgerdomain.CreditClass
	aliases map[string]string
	plans   map[string]Plan
}

// New builds the catalog with the default tables.
func New() *Catalog {
	c := &Catalog{
		costs:   map[string]int64{},
		classes: map[string]ledgerdomain.CreditClass{},
		aliases: map[string]string{},
		plans:   map[string]Plan{},
	}
	c.registerDefaults()
	return c
}

// Canonicalize lowercases and trims an action key. Every boundary goes
// through this before touching the database.
func Canonicalize(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Normalize resolves an action key or alias to its canonical code.
// Fail-closed: unknown keys never fall back to a default class.
func (c *Catalog) Normalize(key string) (string, error) {
	key = Canonicalize(key)
	if key == "" {
		return "", ErrUnknownAction
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if canonical, ok := c.aliases[key]; ok {
		key = canonical
	}
	if _, ok := c.costs[key]; !ok {
		return "", ErrUnknownAction
	}
	return key, nil
}

// Cost returns the credit cost of a canonical action code.
func (c *Catalog) Cost(canonical string) (int64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cost, ok := c.costs[canonical]
	if !ok {
		return 0, ErrUnknownAction
	}
	return cost, nil
}

// ClassOf returns the credit class of a canonical action code.
func (c *Catalog) ClassOf(canonical string) (ledgerdomain.CreditClass, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	class, ok := c.classes[canonical]
	if !ok {
		return "", ErrUnknownAction
	}
	return class, nil
}

// Resolve normalizes an action key and returns its full pricing row.
func (c *Catalog) Resolve(key string) (Action, error) {
	canonical, err := c.Normalize(key)
	if err != nil {
		return Action{}, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	cost, ok := c.costs[canonical]
	if !ok {
		return Action{}, ErrUnknownAction
	}
	class, ok := c.classes[canonical]
	if !ok {
		return Action{}, ErrUnknownAction
	}
	return Action{Code: canonical, Cost: cost, Class: class}, nil
}

// PlanGrant returns the grant for a plan code. Fail-closed.
func (c *Catalog) PlanGrant(planCode string) (Plan, error) {
	planCode = Canonicalize(planCode)

	c.mu.RLock()
	defer c.mu.RUnlock()

	plan, ok := c.plans[planCode]
	if !ok {
		return Plan{}, ErrUnknownPlan
	}
	return plan, nil
}

// ActionCodes lists every canonical action code. Used by registration tests.
func (c *Catalog) ActionCodes() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	codes := make([]string, 0, len(c.costs))
	for code := range c.costs {
		codes = append(codes, code)
	}
	return codes
}

// Actions lists every action sorted by code.
func (c *Catalog) Actions() []Action {
	c.mu.RLock()
	defer c.mu.RUnlock()

	actions := make([]Action, 0, len(c.costs))
	for code, cost := range c.costs {
		actions = append(actions, Action{Code: code, Cost: cost, Class: c.classes[code]})
	}
	sort.Slice(actions, func(i, j int) bool { return actions[i].Code < actions[j].Code })
	return actions
}

// Plans lists every plan sorted by code.
func (c *Catalog) Plans() []Plan {
	c.mu.RLock()
	defer c.mu.RUnlock()

	plans := make([]Plan, 0, len(c.plans))
	for _, plan := range c.plans {
		plans = append(plans, plan)
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].Code < plans[j].Code })
	return plans
}

func (c *Catalog) register(code string, cost int64, class ledgerdomain.CreditClass, aliases ...string) {
	c.costs[code] = cost
	c.classes[code] = class
	for _, alias := range aliases {
		c.aliases[Canonicalize(alias)] = code
	}
}

func (c *Catalog) registerPlan(p Plan) {
	c.plans[p.Code] = p
}

func (c *Catalog) registerDefaults() {
	c.register("image_generate", 5, ledgerdomain.CreditClassGeneral, "openai-image", "image", "txt2img")
	c.register("image_upscale", 2, ledgerdomain.CreditClassGeneral, "upscale")
	c.register("model_preview", 5, ledgerdomain.CreditClassGeneral, "text-to-3d-preview", "image-to-3d-preview")
	c.register("model_refine", 15, ledgerdomain.CreditClassGeneral, "text-to-3d-refine", "image-to-3d-refine")
	c.register("texture_generate", 10, ledgerdomain.CreditClassGeneral, "texture")

	// Video variant codes are canonical verbatim: video_{task}_{duration}s_{resolution}.
	resolutionCosts := []struct {
		resolution string
		cost       int64
	}{
		{"480p", 20},
		{"720p", 30},
		{"1080p", 45},
	}
	for _, task := range []string{"t2v", "i2v"} {
		for _, duration := range []int64{5, 10} {
			for _, rc := range resolutionCosts {
				code := fmt.Sprintf("video_%s_%ds_%s", task, duration, rc.resolution)
				c.register(code, rc.cost*duration/5, ledgerdomain.CreditClassVideo)
			}
		}
	}

	c.registerPlan(Plan{Code: "starter_250", Credits: 250, Class: ledgerdomain.CreditClassGeneral, PriceCents: 799, Currency: "EUR", Kind: PlanKindOneTime})
	c.registerPlan(Plan{Code: "maker_700", Credits: 700, Class: ledgerdomain.CreditClassGeneral, PriceCents: 1999, Currency: "EUR", Kind: PlanKindOneTime})
	c.registerPlan(Plan{Code: "studio_1600", Credits: 1600, Class: ledgerdomain.CreditClassGeneral, PriceCents: 3999, Currency: "EUR", Kind: PlanKindOneTime})
	c.registerPlan(Plan{Code: "video_300", Credits: 300, Class: ledgerdomain.CreditClassVideo, PriceCents: 1499, Currency: "EUR", Kind: PlanKindOneTime})

	c.registerPlan(Plan{Code: "starter_monthly", Credits: 250, Class: ledgerdomain.CreditClassGeneral, PriceCents: 799, Currency: "EUR", Kind: PlanKindSubscription, IntervalMonths: 1})
	c.registerPlan(Plan{Code: "creator_monthly", Credits: 700, Class: ledgerdomain.CreditClassGeneral, PriceCents: 1799, Currency: "EUR", Kind: PlanKindSubscription, IntervalMonths: 1})
	c.registerPlan(Plan{Code: "creator_yearly", Credits: 700, Class: ledgerdomain.CreditClassGeneral, PriceCents: 17990, Currency: "EUR", Kind: PlanKindSubscription, IntervalMonths: 12})
}
