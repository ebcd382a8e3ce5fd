package mls

// defaultSecretTreeWindow bounds how many trailing generations a hashRatchet
// keeps material for before treating an older request as unrecoverable,
// per the REDESIGN FLAGS bounded-forward-secrecy requirement.
const defaultSecretTreeWindow = 1024

type keyAndNonce struct {
	Key   []byte
	Nonce []byte
}

func (k keyAndNonce) clone() keyAndNonce {
	return keyAndNonce{Key: dup(k.Key), Nonce: dup(k.Nonce)}
}

func zeroize(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

///
/// Hash ratchet
///

// hashRatchet is a single leaf's forward-secure (key, nonce) chain within
// the secret tree: each call to advance() derives the generation's key and
// nonce from the current node secret, then ratchets the node secret forward
// and destroys the old one. Only the last windowSize generations are cached
// for out-of-order delivery; requesting one older than that fails closed.
type hashRatchet struct {
	csp        CipherSuiteProvider
	node       nodeIndex
	nextSecret []byte
	nextGen    uint32
	cache      map[uint32]keyAndNonce
	used       map[uint32]bool
	windowSize uint32
}

func newHashRatchet(csp CipherSuiteProvider, node nodeIndex, nodeSecret []byte) *hashRatchet {
	return &hashRatchet{
		csp:        csp,
		node:       node,
		nextSecret: nodeSecret,
		cache:      map[uint32]keyAndNonce{},
		used:       map[uint32]bool{},
		windowSize: defaultSecretTreeWindow,
	}
}

func (hr *hashRatchet) advance() (uint32, keyAndNonce) {
	c := hr.csp.Constants()
	key := hr.csp.DeriveAppSecret(hr.nextSecret, "key", hr.node, hr.nextGen, c.KeySize)
	nonce := hr.csp.DeriveAppSecret(hr.nextSecret, "nonce", hr.node, hr.nextGen, c.NonceSize)
	next := hr.csp.DeriveAppSecret(hr.nextSecret, "secret", hr.node, hr.nextGen, c.SecretSize)

	generation := hr.nextGen
	zeroize(hr.nextSecret)
	hr.nextSecret = next
	hr.nextGen++

	kn := keyAndNonce{key, nonce}
	hr.cache[generation] = kn
	hr.evictBefore(generation)
	return generation, kn.clone()
}

// evictBefore drops any cached generation more than windowSize behind the
// latest one produced, so a long-lived ratchet doesn't accumulate every key
// it has ever issued. Used-generation markers behind the window go with
// them: a replay that old already fails as too old.
func (hr *hashRatchet) evictBefore(latest uint32) {
	if latest < hr.windowSize {
		return
	}
	floor := latest - hr.windowSize
	for gen, kn := range hr.cache {
		if gen < floor {
			zeroize(kn.Key)
			zeroize(kn.Nonce)
			delete(hr.cache, gen)
		}
	}
	for gen := range hr.used {
		if gen < floor {
			delete(hr.used, gen)
		}
	}
}

// Get returns the (key, nonce) for generation, deriving forward as needed.
// A generation already consumed (Erase'd) fails with ErrKeyNotFound -- a
// replay. A generation evicted by the window sliding past it, or requested
// too far ahead of the window, fails with ErrGenerationTooOld.
func (hr *hashRatchet) Get(generation uint32) (keyAndNonce, error) {
	if hr.used[generation] {
		return keyAndNonce{}, newErr(ErrKeyNotFound, "generation %d already consumed", generation)
	}
	if kn, ok := hr.cache[generation]; ok {
		return kn, nil
	}
	if generation < hr.nextGen {
		return keyAndNonce{}, newErr(ErrGenerationTooOld, "generation %d evicted from the window", generation)
	}
	if generation-hr.nextGen > hr.windowSize {
		return keyAndNonce{}, newErr(ErrGenerationTooOld, "generation %d exceeds lookahead window", generation)
	}
	for hr.nextGen < generation {
		hr.advance()
	}
	_, kn := hr.advance()
	return kn, nil
}

// Erase removes a consumed generation's key material immediately, instead
// of waiting for the window to slide past it, and marks it as used so a
// second Get for the same generation fails closed rather than re-deriving.
func (hr *hashRatchet) Erase(generation uint32) {
	hr.used[generation] = true
	kn, ok := hr.cache[generation]
	if !ok {
		return
	}
	zeroize(kn.Key)
	zeroize(kn.Nonce)
	delete(hr.cache, generation)
}

///
/// Secret tree: derives each leaf's encryption_secret-rooted node secret by
/// walking down from the root, splitting "tree" at each internal node.
///

type secretTree struct {
	csp    CipherSuiteProvider
	root   nodeIndex
	size   leafCount
	nodes  map[nodeIndex][]byte
}

func newSecretTree(csp CipherSuiteProvider, size leafCount, encryptionSecret []byte) *secretTree {
	st := &secretTree{csp: csp, root: root(size), size: size, nodes: map[nodeIndex][]byte{}}
	st.nodes[st.root] = encryptionSecret
	return st
}

// leafSecret derives (and destroys the intermediate state for) the node
// secret belonging to a given leaf, walking down from the nearest populated
// ancestor. Each node is consumed exactly once: a second request for the
// same leaf returns nil, so ratchetFor derives both of a leaf's chains from
// a single call.
func (st *secretTree) leafSecret(l leafIndex) []byte {
	target := toNodeIndex(l)
	d := append([]nodeIndex{target}, dirpath(target, st.size)...)
	// d is leaf..root (the target followed by its direct path); reverse it
	// to root..leaf.
	for i, j := 0, len(d)-1; i < j; i, j = i+1, j-1 {
		d[i], d[j] = d[j], d[i]
	}

	curr := 0
	for curr < len(d) {
		if _, ok := st.nodes[d[curr]]; ok {
			break
		}
		curr++
	}
	if curr == len(d) {
		return nil
	}

	for ; curr < len(d)-1; curr++ {
		n := d[curr]
		secret := st.nodes[n]
		lc := left(n)
		rc := right(n, st.size)
		st.nodes[lc] = st.csp.DeriveAppSecret(secret, "tree", lc, 0, st.csp.Constants().SecretSize)
		st.nodes[rc] = st.csp.DeriveAppSecret(secret, "tree", rc, 0, st.csp.Constants().SecretSize)
		zeroize(secret)
		delete(st.nodes, n)
	}

	out := dup(st.nodes[target])
	zeroize(st.nodes[target])
	delete(st.nodes, target)
	return out
}

///
/// Group key source: handshake and application ratchets for every leaf,
/// lazily derived from the secret tree on first use.
///

type groupKeySource struct {
	csp      CipherSuiteProvider
	tree     *secretTree
	ratchets map[leafIndex]map[string]*hashRatchet
	window   uint32 // 0 means defaultSecretTreeWindow
}

// setWindow overrides the forward-secure lookahead window each ratchet built
// from this source uses, for groups configured with a non-default
// MaxGenerationLookahead.
func (gks *groupKeySource) setWindow(w uint32) { gks.window = w }

func newGroupKeySource(csp CipherSuiteProvider, size leafCount, encryptionSecret []byte) *groupKeySource {
	return &groupKeySource{
		csp:      csp,
		tree:     newSecretTree(csp, size, encryptionSecret),
		ratchets: map[leafIndex]map[string]*hashRatchet{},
	}
}

func (gks *groupKeySource) ratchetFor(sender leafIndex, label string) (*hashRatchet, error) {
	byLabel, ok := gks.ratchets[sender]
	if !ok {
		leafSecret := gks.tree.leafSecret(sender)
		if leafSecret == nil {
			return nil, newErr(ErrKeyNotFound, "no secret tree material left for leaf %d", sender)
		}
		byLabel = map[string]*hashRatchet{}
		for _, l := range []string{"handshake", "application"} {
			nodeSecret := gks.csp.DeriveAppSecret(leafSecret, l, toNodeIndex(sender), 0, gks.csp.Constants().SecretSize)
			r := newHashRatchet(gks.csp, toNodeIndex(sender), nodeSecret)
			if gks.window > 0 {
				r.windowSize = gks.window
			}
			byLabel[l] = r
		}
		zeroize(leafSecret)
		gks.ratchets[sender] = byLabel
	}
	if r, ok := byLabel[label]; ok {
		return r, nil
	}
	return nil, newErr(ErrKeyNotFound, "no %s chain for leaf %d", label, sender)
}

func (gks *groupKeySource) Next(sender leafIndex, label string) (uint32, keyAndNonce, error) {
	r, err := gks.ratchetFor(sender, label)
	if err != nil {
		return 0, keyAndNonce{}, err
	}
	gen, kn := r.advance()
	return gen, kn, nil
}

func (gks *groupKeySource) Get(sender leafIndex, label string, generation uint32) (keyAndNonce, error) {
	r, err := gks.ratchetFor(sender, label)
	if err != nil {
		return keyAndNonce{}, err
	}
	return r.Get(generation)
}

func (gks *groupKeySource) Erase(sender leafIndex, label string, generation uint32) {
	r, err := gks.ratchetFor(sender, label)
	if err != nil {
		return
	}
	r.Erase(generation)
}

///
/// Key schedule epoch: derives every RFC-named per-epoch secret from
/// (init_secret, commit_secret) and the new GroupContext.
///

type keyScheduleEpoch struct {
	csp CipherSuiteProvider

	JoinerSecret     []byte
	WelcomeSecret    []byte
	EpochSecret      []byte
	SenderDataSecret []byte
	EncryptionSecret []byte
	ExporterSecret   []byte
	ExternalSecret   []byte
	ConfirmationKey  []byte
	MembershipKey    []byte
	ResumptionPsk    []byte
	InitSecret       []byte

	Keys *groupKeySource
}

// joinerSecretFromCommit derives joiner_secret = HKDF-Extract(init_secret,
// commit_secret) per spec.md §4.4; the very first epoch instead seeds
// init_secret from the group's initial random secret with commit_secret
// absent (all-zero of Nh length).
func joinerSecretFromCommit(csp CipherSuiteProvider, initSecret, commitSecret []byte) []byte {
	if commitSecret == nil {
		commitSecret = make([]byte, csp.Constants().SecretSize)
	}
	return csp.HkdfExtract(initSecret, commitSecret)
}

// pskSecretFromJoiner folds zero or more PSKs (external or resumption) into epoch
// derivation input. With no PSKs, psk_secret is Nh zero bytes.
func pskSecretFromJoiner(csp CipherSuiteProvider, joinerSecret []byte, psks [][]byte) []byte {
	secret := make([]byte, csp.Constants().SecretSize)
	for _, psk := range psks {
		ikm := csp.HkdfExtract(make([]byte, csp.Constants().SecretSize), psk)
		secret = csp.HkdfExtract(secret, ikm)
	}
	_ = joinerSecret
	return secret
}

// newKeyScheduleEpoch derives every epoch secret from epoch_secret, which is
// itself Derive-Secret(joiner_secret combined with psk_secret, "epoch",
// GroupContext).
func newKeyScheduleEpoch(csp CipherSuiteProvider, size leafCount, joinerSecret []byte, pskSecret []byte, groupContext []byte) *keyScheduleEpoch {
	memberSecret := csp.HkdfExtract(joinerSecret, pskSecret)
	epochSecret := csp.HkdfExpandLabel(memberSecret, "epoch", groupContext, csp.Constants().SecretSize)

	welcomeSecret := csp.DeriveSecret(joinerSecret, "welcome")

	kse := &keyScheduleEpoch{
		csp:              csp,
		JoinerSecret:     joinerSecret,
		WelcomeSecret:    welcomeSecret,
		EpochSecret:      epochSecret,
		SenderDataSecret: csp.DeriveSecret(epochSecret, "sender data"),
		EncryptionSecret: csp.DeriveSecret(epochSecret, "encryption"),
		ExporterSecret:   csp.DeriveSecret(epochSecret, "exporter"),
		ExternalSecret:   csp.DeriveSecret(epochSecret, "external"),
		ConfirmationKey:  csp.DeriveSecret(epochSecret, "confirm"),
		MembershipKey:    csp.DeriveSecret(epochSecret, "membership"),
		ResumptionPsk:    csp.DeriveSecret(epochSecret, "resumption"),
		InitSecret:       csp.DeriveSecret(epochSecret, "init"),
	}
	kse.Keys = newGroupKeySource(csp, size, kse.EncryptionSecret)
	return kse
}

// Next computes the following epoch's key schedule given this epoch's
// init_secret, the new commit_secret, any PSKs applied in the commit, and
// the new epoch's serialized GroupContext.
func (kse *keyScheduleEpoch) Next(size leafCount, commitSecret []byte, psks [][]byte, groupContext []byte) *keyScheduleEpoch {
	joinerSecret := joinerSecretFromCommit(kse.csp, kse.InitSecret, commitSecret)
	pskSecret := pskSecretFromJoiner(kse.csp, joinerSecret, psks)
	return newKeyScheduleEpoch(kse.csp, size, joinerSecret, pskSecret, groupContext)
}

// welcomeKeyAndNonce derives the AEAD key/nonce used to encrypt a Welcome's
// GroupInfo, from welcome_secret alone (it predates any GroupContext).
func welcomeKeyAndNonce(csp CipherSuiteProvider, welcomeSecret []byte) keyAndNonce {
	c := csp.Constants()
	return keyAndNonce{
		Key:   csp.HkdfExpandLabel(welcomeSecret, "key", nil, c.KeySize),
		Nonce: csp.HkdfExpandLabel(welcomeSecret, "nonce", nil, c.NonceSize),
	}
}
