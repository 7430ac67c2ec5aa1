package features

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/xela07ax/fraudgate/internal/domain"
	"github.com/xela07ax/fraudgate/internal/infra"
	"github.com/xela07ax/fraudgate/internal/velocity"
)

// Store собирает FeatureSet одного решения. Каждая I/O-группа (velocity,
// профили, связи) идет пакетным запросом со своим бюджетом, любой отказ
// или зависание бэкенда деградирует соответствующую группу фич в дефолты,
// а не роняет решение.
type Store struct {
	vel      velocity.Store
	profiles ProfileStore
	cfg      infra.DetectionConfig
	logger   *zap.Logger
}

func NewStore(vel velocity.Store, profiles ProfileStore, cfg infra.DetectionConfig, logger *zap.Logger) *Store {
	return &Store{
		vel:      vel,
		profiles: profiles,
		cfg:      cfg,
		logger:   logger.With(zap.String("mod", "features")),
	}
}

// Страны повышенного риска для IP-скора.
var highRiskCountries = map[string]struct{}{
	"NG": {}, "GH": {}, "ID": {}, "VN": {}, "PH": {}, "UA": {}, "RU": {},
}

// subQueryBudget — бюджет одной I/O-группы снимка (velocity, профили, связи).
// Зависший бэкенд деградирует свою группу фич в дефолты, а не съедает
// дедлайн всего решения.
const subQueryBudget = 50 * time.Millisecond

// Build строит полный снимок фич. Ошибки бэкендов НЕ возвращаются наружу:
// они фиксируются в fs.Degraded, а фичи остаются нулевыми. I/O-группы
// идут параллельно, каждая со своим бюджетом.
func (s *Store) Build(ctx context.Context, ev *domain.PaymentEvent) *domain.FeatureSet {
	now := ev.EventTime()
	fs := &domain.FeatureSet{
		AmountCents: ev.AmountCents,
		IsRecurring: ev.IsRecurring,
		Has3DS:      ev.Has3DS,
		Channel:     ev.Channel,
		IsHighValue: ev.AmountCents >= s.cfg.HighValueCents,
	}

	s.deriveLocal(ev, now, fs)

	var mu sync.Mutex
	degrade := func(tag string) {
		mu.Lock()
		fs.Degraded = append(fs.Degraded, tag)
		mu.Unlock()
	}

	var wg sync.WaitGroup
	run := func(group func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			group()
		}()
	}
	run(func() { s.buildVelocity(ctx, ev, now, fs, degrade) })
	run(func() { s.buildProfiles(ctx, ev, now, fs, degrade) })
	run(func() { s.deriveRelations(ctx, ev, fs, degrade) })
	wg.Wait()

	return fs
}

// buildVelocity читает все счетчики одним pipeline-ом.
func (s *Store) buildVelocity(ctx context.Context, ev *domain.PaymentEvent, now time.Time, fs *domain.FeatureSet, degrade func(string)) {
	type slot struct {
		q    velocity.Query
		dest *int64
	}
	v := &fs.Velocity
	var slots []slot

	add := func(etype domain.EntityType, id, metric string, window time.Duration, dest *int64) {
		if id == "" {
			return
		}
		slots = append(slots, slot{
			q:    velocity.Query{EntityType: string(etype), EntityID: id, Metric: metric, Window: window},
			dest: dest,
		})
	}

	ip := ev.IPAddress()

	add(domain.EntityCard, ev.CardToken, velocity.MetricAttempts, velocity.Window10M, &v.CardAttempts10M)
	add(domain.EntityCard, ev.CardToken, velocity.MetricAttempts, velocity.Window1H, &v.CardAttempts1H)
	add(domain.EntityCard, ev.CardToken, velocity.MetricAttempts, velocity.Window24H, &v.CardAttempts24H)
	add(domain.EntityCard, ev.CardToken, velocity.MetricDeclines, velocity.Window10M, &v.CardDeclines10M)
	add(domain.EntityCard, ev.CardToken, velocity.MetricDeclines, velocity.Window1H, &v.CardDeclines1H)
	add(domain.EntityCard, ev.CardToken, velocity.MetricUsers, velocity.Window24H, &v.CardDistinctAccounts24H)
	add(domain.EntityCard, ev.CardToken, velocity.MetricDevices, velocity.Window24H, &v.CardDistinctDevices24H)
	add(domain.EntityCard, ev.CardToken, velocity.MetricIPs, velocity.Window24H, &v.CardDistinctIPs24H)
	add(domain.EntityCard, ev.CardToken, velocity.MetricUsers, velocity.Window30D, &v.CardDistinctUsers30D)

	add(domain.EntityDevice, ev.DeviceID, velocity.MetricAttempts, velocity.Window1H, &v.DeviceAttempts1H)
	add(domain.EntityDevice, ev.DeviceID, velocity.MetricAttempts, velocity.Window24H, &v.DeviceAttempts24H)
	add(domain.EntityDevice, ev.DeviceID, velocity.MetricCards, velocity.Window1H, &v.DeviceDistinctCards1H)
	add(domain.EntityDevice, ev.DeviceID, velocity.MetricCards, velocity.Window24H, &v.DeviceDistinctCards24H)
	add(domain.EntityDevice, ev.DeviceID, velocity.MetricUsers, velocity.Window24H, &v.DeviceDistinctUsers24H)

	add(domain.EntityIP, ip, velocity.MetricAttempts, velocity.Window1H, &v.IPAttempts1H)
	add(domain.EntityIP, ip, velocity.MetricAttempts, velocity.Window24H, &v.IPAttempts24H)
	add(domain.EntityIP, ip, velocity.MetricCards, velocity.Window1H, &v.IPDistinctCards1H)
	add(domain.EntityIP, ip, velocity.MetricCards, velocity.Window24H, &v.IPDistinctCards24H)

	add(domain.EntityUser, ev.UserID, velocity.MetricAttempts, velocity.Window24H, &v.UserTransactions24H)
	add(domain.EntityUser, ev.UserID, velocity.MetricAttempts, velocity.Window7D, &v.UserTransactions7D)
	add(domain.EntityUser, ev.UserID, velocity.MetricCards, velocity.Window30D, &v.UserDistinctCards30D)

	queries := make([]velocity.Query, len(slots))
	for i := range slots {
		queries[i] = slots[i].q
	}

	// Запрос крутится во внутренней горутине: по истечении бюджета группа
	// бросает его и уходит в дефолты, не трогая уже возвращенный FeatureSet.
	type velOut struct {
		counts []int64
		err    error
		sum    int64
		sumErr error
		sumOK  bool
	}
	done := make(chan velOut, 1)
	go func() {
		var out velOut
		out.counts, out.err = s.vel.Counts(ctx, now, queries)
		if out.err == nil && ev.UserID != "" {
			out.sumOK = true
			out.sum, out.sumErr = s.vel.SumAmount(ctx, string(domain.EntityUser), ev.UserID, velocity.Window24H, now)
		}
		done <- out
	}()

	select {
	case out := <-done:
		if out.err != nil {
			degrade("velocity")
			return
		}
		for i := range slots {
			*slots[i].dest = out.counts[i]
		}
		if out.sumOK {
			if out.sumErr != nil {
				degrade("amount_sum")
			} else {
				v.UserAmount24HCents = out.sum
			}
		}
	case <-time.After(subQueryBudget):
		degrade("velocity")
	}
}

// buildProfiles читает профили всех сущностей события и раскладывает их в EntityFeatures.
func (s *Store) buildProfiles(ctx context.Context, ev *domain.PaymentEvent, now time.Time, fs *domain.FeatureSet, degrade func(string)) {
	type pslot struct {
		ref   Ref
		apply func(*Profile)
	}
	e := &fs.Entity
	var slots []pslot

	add := func(etype domain.EntityType, id string, apply func(*Profile)) {
		if id == "" {
			return
		}
		slots = append(slots, pslot{ref: Ref{EntityType: string(etype), EntityID: id}, apply: apply})
	}

	var amountProfile *Profile

	add(domain.EntityCard, ev.CardToken, func(p *Profile) {
		e.CardAgeHours = p.AgeHours(now)
		e.CardTotalTransactions = p.TxnCount
		e.CardChargebackCount = p.ChargebackCount
		// Карта "новая", если мы видим ее меньше суток
		e.CardIsNew = !p.Exists() || p.AgeHours(now) < 24
		if !p.LastSeen.IsZero() && p.LastLat != nil && p.LastLon != nil {
			seen := p.LastSeen
			e.LastGeoSeen = &seen
			e.LastGeoLat = p.LastLat
			e.LastGeoLon = p.LastLon
		}
		if amountProfile == nil {
			amountProfile = p
		}
	})
	add(domain.EntityDevice, ev.DeviceID, func(p *Profile) {
		e.DeviceAgeHours = p.AgeHours(now)
		e.DeviceTotalTransactions = p.TxnCount
		e.DeviceChargebackCount = p.ChargebackCount
	})
	add(domain.EntityUser, ev.UserID, func(p *Profile) {
		e.UserTotalTransactions = p.TxnCount
		e.UserChargebackCount = p.ChargebackCount
		e.UserChargebackCount90D = p.ChargebackCount
		e.UserRefundCount90D = p.RefundCount
		e.UserRiskTier = p.RiskTier
		if ev.AccountAgeDays != nil {
			e.UserAccountAgeDays = int64(*ev.AccountAgeDays)
		} else {
			e.UserAccountAgeDays = p.AgeHours(now) / 24
		}
		// Аккаунт "новый" первую неделю жизни
		e.UserIsNew = e.UserAccountAgeDays < 7
		// Суммы юзера предпочтительнее карточных: история длиннее
		amountProfile = p
	})
	add(domain.EntityService, ev.ServiceID, func(p *Profile) {
		e.ServiceTotalTransactions = p.TxnCount
	})

	refs := make([]Ref, len(slots))
	for i := range slots {
		refs[i] = slots[i].ref
	}

	type profOut struct {
		profiles []*Profile
		err      error
	}
	done := make(chan profOut, 1)
	go func() {
		p, err := s.profiles.GetMulti(ctx, refs)
		done <- profOut{profiles: p, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			degrade("profiles")
		}
		// GetMulti и при ошибке возвращает выровненный срез пустых профилей
		for i := range slots {
			slots[i].apply(out.profiles[i])
		}
		if amountProfile != nil {
			fs.AmountZScore = amountProfile.ZScore(float64(ev.AmountCents))
		}
	case <-time.After(subQueryBudget):
		degrade("profiles")
	}
}

// deriveLocal — признаки, не требующие I/O.
func (s *Store) deriveLocal(ev *domain.PaymentEvent, now time.Time, fs *domain.FeatureSet) {
	e := &fs.Entity
	e.UserIsGuest = ev.IsGuest

	// Локальное время плательщика: timezone из fingerprint, иначе UTC
	loc := time.UTC
	if ev.Device != nil && ev.Device.Timezone != "" {
		if l, err := time.LoadLocation(ev.Device.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	fs.HourOfDay = local.Hour()
	wd := local.Weekday()
	fs.IsWeekend = wd == time.Saturday || wd == time.Sunday

	if ev.Device != nil {
		e.DeviceIsEmulator = ev.Device.IsEmulator
		e.DeviceIsRooted = ev.Device.IsRooted
	}

	if g := ev.Geo; g != nil {
		e.IPIsDatacenter = g.IsDatacenter
		e.IPIsVPN = g.IsVPN
		e.IPIsProxy = g.IsProxy
		e.IPIsTor = g.IsTor
		e.IPCountryCode = g.CountryCode
		e.IPRiskScore = ipRiskScore(g)
	}

	// Совпадение стран: при отсутствии любой из сторон мисматча нет
	e.IPCountryCardCountryMatch = true
	if ev.Geo != nil && ev.Geo.CountryCode != "" && ev.CardCountry != "" {
		e.IPCountryCardCountryMatch = ev.Geo.CountryCode == ev.CardCountry
	}

	// AVS/CVV: отсутствие результата — не мисматч
	fs.AVSMatch, fs.CVVMatch = true, true
	if v := ev.Verification; v != nil {
		if v.AVSResult != "" {
			fs.AVSMatch = v.AVSResult == "Y" || v.AVSResult == "M"
		}
		if v.CVVResult != "" {
			fs.CVVMatch = v.CVVResult == "M"
		}
	}
}

// deriveRelations — признаки «новая карта/девайс у этого юзера».
func (s *Store) deriveRelations(ctx context.Context, ev *domain.PaymentEvent, fs *domain.FeatureSet, degrade func(string)) {
	if ev.UserID == "" {
		return
	}

	type relOut struct {
		newCard, cardOK     bool
		newDevice, deviceOK bool
		err                 error
	}
	done := make(chan relOut, 1)
	go func() {
		var out relOut
		if ev.CardToken != "" {
			seen, err := s.vel.Seen(ctx, string(domain.EntityUser), ev.UserID, velocity.MetricCards, ev.CardToken)
			if err != nil {
				out.err = err
				done <- out
				return
			}
			out.newCard, out.cardOK = !seen, true
		}
		if ev.DeviceID != "" {
			seen, err := s.vel.Seen(ctx, string(domain.EntityUser), ev.UserID, velocity.MetricDevices, ev.DeviceID)
			if err != nil {
				out.err = err
				done <- out
				return
			}
			out.newDevice, out.deviceOK = !seen, true
		}
		done <- out
	}()

	select {
	case out := <-done:
		if out.cardOK {
			fs.IsNewCardForUser = out.newCard
		}
		if out.deviceOK {
			fs.IsNewDeviceForUser = out.newDevice
		}
		if out.err != nil {
			degrade("relations")
		}
	case <-time.After(subQueryBudget):
		degrade("relations")
	}
}

// ipRiskScore — эвристический скор сетевого риска [0..1].
func ipRiskScore(g *domain.GeoInfo) float64 {
	var score float64
	switch {
	case g.IsTor:
		score = 0.9
	case g.IsProxy:
		score = 0.6
	case g.IsVPN:
		score = 0.4
	case g.IsDatacenter:
		score = 0.3
	}
	if _, risky := highRiskCountries[g.CountryCode]; risky {
		score += 0.2
	}
	if score > 1 {
		score = 1
	}
	return score
}
