package model

// EffectiveVerdict выбирает действующий вердикт из истории проверок этапа.
//
// Учитываются только вердикты по текущим доказательствам: запоздавший вердикт
// по отозванной подаче остаётся в истории, но не влияет на решение. Ручное
// решение имеет приоритет над автоматическим независимо от времени; среди
// вердиктов одного источника действует самый поздний.
func EffectiveVerdict(history []VerificationVerdict, evidenceRef string) *VerificationVerdict {
	var best *VerificationVerdict

	for i := range history {
		v := &history[i]
		if v.EvidenceRef != evidenceRef {
			continue
		}
		if best == nil {
			best = v
			continue
		}

		switch {
		case v.Source == SourceManualOverride && best.Source != SourceManualOverride:
			best = v
		case v.Source != SourceManualOverride && best.Source == SourceManualOverride:
			// Автоматический вердикт не вытесняет ручное решение.
		case !v.DecidedAt.Before(best.DecidedAt):
			best = v
		}
	}

	if best == nil {
		return nil
	}
	out := *best
	return &out
}
