package services

// DefaultFeeBasisPoints is the platform's cut of each released milestone:
// 10%, expressed in basis points so the rounding math stays integral.
const DefaultFeeBasisPoints = 1000

// KoboPerNaira converts between the display unit and the gateway's minor
// unit. All gateway-facing amounts are kobo.
const KoboPerNaira = 100

// ToKobo converts a major-unit amount to kobo.
func ToKobo(amount int64) int64 { return amount * KoboPerNaira }

// FromKobo converts kobo back to whole major units, truncating.
func FromKobo(kobo int64) int64 { return kobo / KoboPerNaira }

// ComputeFee splits a gross milestone total (kobo) into platform fee and net
// payout. The fee is rounded half-up to the kobo; the net is derived by
// subtraction so fee + net == total holds exactly for every total >= 0.
func ComputeFee(totalKobo int64, rateBasisPoints int) (platformFee, netPayout int64) {
	platformFee = (totalKobo*int64(rateBasisPoints) + 5000) / 10000
	netPayout = totalKobo - platformFee
	return platformFee, netPayout
}
