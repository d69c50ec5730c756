package analyzer

import (
	"log"
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/sentrix/scan-engine/pkg/models"
)

// Text analyzer for phishing-style content. A small TF-IDF + logistic
// regression model is fit once at startup on the embedded seed corpus, then
// blended with regex rule boosts per sentence. Header inspection runs on top
// of the document score for mail-like inputs.

const (
	nlpMinSentenceLen = 6
	nlpTopSentences   = 3
	nlpDocSentences   = 10
	nlpModelWeight    = 0.60
	nlpRulesWeight    = 0.40
	nlpDocWeight      = 0.85
	nlpHeaderWeight   = 0.15
)

// Seed corpus: suspicious Indonesian, suspicious English, then benign
// counterparts. Labels are positional (first half suspicious).
var nlpSuspiciousSeed = []string{
	// Indonesian
	"selamat anda memenangkan hadiah undian transfer biaya admin sekarang",
	"akun anda akan diblokir segera verifikasi data melalui link berikut",
	"kirimkan kode otp anda untuk membuka rekening yang terkunci",
	"bank kami mendeteksi aktivitas mencurigakan silakan login di tautan ini",
	"dapatkan pinjaman instan tanpa jaminan cukup kirim foto ktp dan kartu atm",
	"paket anda tertahan di bea cukai bayar denda melalui transfer ke rekening ini",
	"investasi crypto profit 50 persen per hari daftar sekarang slot terbatas",
	"nomor anda terpilih sebagai pemenang klik link untuk klaim hadiah",
	"update data nasabah wajib hari ini atau rekening dibekukan",
	"mohon segera konfirmasi pembayaran dengan memasukkan pin atm anda",
	// English
	"your account has been suspended click the link below to verify immediately",
	"we detected unusual sign in activity confirm your password now",
	"congratulations you have won a prize claim your reward by entering card details",
	"urgent action required your mailbox will be deleted unless you login here",
	"send the one time passcode to our support agent to unlock your funds",
	"invoice overdue wire transfer required today to avoid legal action",
	"your bank account is locked verify your identity at this secure link",
	"limited offer double your bitcoin deposit guaranteed returns",
	"irs notice final warning pay outstanding tax via gift cards",
	"dear customer update your billing information or service will be terminated",
}

var nlpBenignSeed = []string{
	// Indonesian
	"rapat tim dijadwalkan ulang ke hari kamis pukul sepuluh pagi",
	"terima kasih atas presentasinya materi sudah saya terima",
	"laporan bulanan sudah diunggah ke folder bersama silakan ditinjau",
	"jangan lupa membawa dokumen kontrak saat kunjungan besok",
	"notulen rapat kemarin terlampir mohon koreksi bila ada yang kurang",
	"cuaca hari ini cerah cocok untuk acara di luar ruangan",
	"resep masakan ini membutuhkan bawang putih dan santan kental",
	"jadwal keberangkatan kereta berubah menjadi pukul tujuh malam",
	"selamat ulang tahun semoga sehat selalu dan panjang umur",
	"buku yang kamu pinjam minggu lalu bisa dikembalikan kapan saja",
	// English
	"the quarterly report is attached for your review before friday",
	"lunch meeting moved to the cafe across the street at noon",
	"thanks for the feedback on the draft i will revise the summary section",
	"the library closes early on public holidays please plan accordingly",
	"our team retrospective went well and the action items are documented",
	"the garden needs watering twice a week during the summer months",
	"please find the minutes from yesterday standup in the shared folder",
	"the train schedule changes next month check the updated timetable",
	"happy birthday hope you have a wonderful year ahead",
	"the recipe calls for two cups of flour and a pinch of salt",
}

// Rule boosts applied per sentence, independent of the model.
var nlpRules = []struct {
	re    *regexp.Regexp
	boost float64
}{
	{regexp.MustCompile(`(?i)https?://|www\.`), 0.20},
	{regexp.MustCompile(`(?i)\botp\b|one.?time.?pass|kode\s*otp`), 0.20},
	{regexp.MustCompile(`(?i)\bbank\b|rekening|transfer`), 0.10},
	{regexp.MustCompile(`(?i)urgent|segera|immediately|secepatnya`), 0.10},
	{regexp.MustCompile(`(?i)login|log\s*in|verify|verifikasi|konfirmasi`), 0.20},
	{regexp.MustCompile(`(?i)bitcoin|crypto|wallet|seed\s*phrase`), 0.20},
	{regexp.MustCompile(`\b\d{13,19}\b`), 0.30},
}

var (
	nlpSentenceSplit = regexp.MustCompile(`[.\n\r;:!?]+`)
	nlpTokenRe       = regexp.MustCompile(`[a-z0-9]+`)

	nlpIndonesianHints = []string{"yang", "anda", "dengan", "untuk", "akan", "segera", "rekening", "kami", "tidak", "dari"}
	nlpEnglishHints    = []string{"the", "your", "you", "with", "will", "have", "account", "please", "from", "this"}
)

// TextModel is the trained sentence classifier plus its vocabulary.
type TextModel struct {
	vocab   map[string]int
	idf     []float64
	weights []float64
	bias    float64
}

func tokenize(s string) []string {
	return nlpTokenRe.FindAllString(strings.ToLower(s), -1)
}

// ngrams returns unigrams plus adjacent bigrams.
func ngrams(tokens []string) []string {
	out := make([]string, 0, len(tokens)*2)
	out = append(out, tokens...)
	for i := 0; i+1 < len(tokens); i++ {
		out = append(out, tokens[i]+" "+tokens[i+1])
	}
	return out
}

// NewTextModel fits TF-IDF weights and a logistic regression head on the
// embedded corpus. Training is deterministic: fixed epoch count, fixed
// ordering, no sampling.
func NewTextModel() *TextModel {
	docs := make([][]string, 0, len(nlpSuspiciousSeed)+len(nlpBenignSeed))
	labels := make([]float64, 0, cap(docs))
	for _, s := range nlpSuspiciousSeed {
		docs = append(docs, ngrams(tokenize(s)))
		labels = append(labels, 1)
	}
	for _, s := range nlpBenignSeed {
		docs = append(docs, ngrams(tokenize(s)))
		labels = append(labels, 0)
	}

	// Vocabulary in first-seen order, document frequency alongside.
	vocab := make(map[string]int)
	df := []int{}
	for _, doc := range docs {
		seen := map[int]bool{}
		for _, g := range doc {
			idx, ok := vocab[g]
			if !ok {
				idx = len(vocab)
				vocab[g] = idx
				df = append(df, 0)
			}
			if !seen[idx] {
				df[idx]++
				seen[idx] = true
			}
		}
	}

	n := float64(len(docs))
	idf := make([]float64, len(df))
	for i, d := range df {
		idf[i] = math.Log((1+n)/(1+float64(d))) + 1
	}

	m := &TextModel{vocab: vocab, idf: idf}

	vecs := make([][]float64, len(docs))
	for i, doc := range docs {
		vecs[i] = m.vectorizeGrams(doc)
	}

	// Batch gradient descent on log loss.
	m.weights = make([]float64, len(vocab))
	const epochs = 300
	const lr = 0.5
	for e := 0; e < epochs; e++ {
		gradW := make([]float64, len(m.weights))
		gradB := 0.0
		for i, v := range vecs {
			p := sigmoid(dot(m.weights, v) + m.bias)
			err := p - labels[i]
			for j, x := range v {
				if x != 0 {
					gradW[j] += err * x
				}
			}
			gradB += err
		}
		for j := range m.weights {
			m.weights[j] -= lr * gradW[j] / n
		}
		m.bias -= lr * gradB / n
	}

	log.Printf("[Nlp] Text model trained: %d docs, %d features", len(docs), len(vocab))
	return m
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func dot(a, b []float64) float64 {
	s := 0.0
	for i := range a {
		s += a[i] * b[i]
	}
	return s
}

// vectorizeGrams builds the l2-normalized TF-IDF vector for a gram list.
func (m *TextModel) vectorizeGrams(grams []string) []float64 {
	v := make([]float64, len(m.vocab))
	for _, g := range grams {
		if idx, ok := m.vocab[g]; ok {
			v[idx]++
		}
	}
	norm := 0.0
	for i := range v {
		if v[i] != 0 {
			v[i] *= m.idf[i]
			norm += v[i] * v[i]
		}
	}
	if norm > 0 {
		norm = math.Sqrt(norm)
		for i := range v {
			v[i] /= norm
		}
	}
	return v
}

// SentenceProb is the model probability that one sentence is suspicious.
func (m *TextModel) SentenceProb(sentence string) float64 {
	v := m.vectorizeGrams(ngrams(tokenize(sentence)))
	return sigmoid(dot(m.weights, v) + m.bias)
}

// ruleScore sums the regex boosts for one sentence, capped at 1.
func ruleScore(sentence string) float64 {
	score := 0.0
	for _, r := range nlpRules {
		if r.re.MatchString(sentence) {
			score += r.boost
		}
	}
	if score > 1 {
		score = 1
	}
	return score
}

func splitSentences(text string) []string {
	parts := nlpSentenceSplit.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); len(p) >= nlpMinSentenceLen {
			out = append(out, p)
		}
	}
	return out
}

// detectLang returns a coarse id/en hint based on stop-word hits, or
// "unknown" when neither side clearly wins.
func detectLang(text string) string {
	tl := " " + strings.ToLower(text) + " "
	idHits, enHits := 0, 0
	for _, w := range nlpIndonesianHints {
		if strings.Contains(tl, " "+w+" ") {
			idHits++
		}
	}
	for _, w := range nlpEnglishHints {
		if strings.Contains(tl, " "+w+" ") {
			enHits++
		}
	}
	switch {
	case idHits >= 2 && idHits > enHits:
		return "id"
	case enHits >= 2 && enHits > idHits:
		return "en"
	}
	return "unknown"
}

var (
	reAuthFail      = regexp.MustCompile(`(?i)spf=fail|dkim=fail|dmarc=fail`)
	reUrgentSubject = regexp.MustCompile(`(?i)urgent|immediately|segera|suspend|verify`)
	reHeaderDomain  = regexp.MustCompile(`@([a-zA-Z0-9.\-]+)`)
)

// analyzeHeaders inspects the leading lines for mail-header phishing tells:
// From/Reply-To domain mismatch, failed authentication results, an urgency
// subject line, and long relay chains.
func analyzeHeaders(text string) models.EmailHeaderReport {
	lines := strings.Split(text, "\n")
	if len(lines) > 30 {
		lines = lines[:30]
	}

	var fromDomain, replyDomain string
	received := 0
	risk := 0.0
	var flags []string

	for _, line := range lines {
		ll := strings.ToLower(strings.TrimSpace(line))
		switch {
		case strings.HasPrefix(ll, "from:"):
			if m := reHeaderDomain.FindStringSubmatch(ll); m != nil {
				fromDomain = m[1]
			}
		case strings.HasPrefix(ll, "reply-to:"):
			if m := reHeaderDomain.FindStringSubmatch(ll); m != nil {
				replyDomain = m[1]
			}
		case strings.HasPrefix(ll, "authentication-results:"):
			if reAuthFail.MatchString(ll) {
				risk += 0.40
				flags = append(flags, "auth_fail")
			}
		case strings.HasPrefix(ll, "subject:"):
			if reUrgentSubject.MatchString(ll) {
				risk += 0.15
				flags = append(flags, "urgent_subject")
			}
		case strings.HasPrefix(ll, "received:"):
			received++
		}
	}

	if fromDomain != "" && replyDomain != "" && fromDomain != replyDomain {
		risk += 0.25
		flags = append(flags, "reply_to_mismatch")
	}
	if received >= 8 {
		risk += 0.10
		flags = append(flags, "long_relay_chain")
	}
	if risk > 1 {
		risk = 1
	}
	return models.EmailHeaderReport{Risk: risk, Flags: flags}
}

// Analyze scores a text snippet. Per-sentence scores blend the model
// probability with the rule boosts; the document score averages the top
// sentences, then blends in header risk.
func (m *TextModel) Analyze(text string) models.NlpReport {
	report := models.NlpReport{Lang: detectLang(text)}
	sentences := splitSentences(text)
	if len(sentences) == 0 {
		return report
	}

	type scored struct {
		sentence string
		model    float64
		rules    float64
		fused    float64
	}
	all := make([]scored, len(sentences))
	for i, s := range sentences {
		mp := m.SentenceProb(s)
		rs := ruleScore(s)
		all[i] = scored{s, mp, rs, nlpModelWeight*mp + nlpRulesWeight*rs}
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].fused > all[j].fused })

	top := all
	if len(top) > nlpDocSentences {
		top = top[:nlpDocSentences]
	}
	avgModel, avgRules := 0.0, 0.0
	for _, s := range top {
		avgModel += s.model
		avgRules += s.rules
	}
	avgModel /= float64(len(top))
	avgRules /= float64(len(top))
	doc := nlpModelWeight*avgModel + nlpRulesWeight*avgRules

	for i := 0; i < len(all) && i < nlpTopSentences; i++ {
		if all[i].fused >= 0.5 {
			report.SuspiciousSentences = append(report.SuspiciousSentences, all[i].sentence)
		}
	}

	report.EmailHeader = analyzeHeaders(text)
	report.Score = nlpDocWeight*doc + nlpHeaderWeight*report.EmailHeader.Risk
	return report
}
