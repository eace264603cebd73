package topic

// Relation describes one set of topics related to a source key for salience
// propagation. Relations are resolved against the topic table by the ledger:
// Direct names a single key, Pattern+Match enumerate existing topics, and
// ChildrenOf enumerates topics whose parent is the named key (threads under
// a channel).
//
// Lookup is exact: Pattern is only a SQL LIKE prefilter and every hit is
// re-parsed and checked by Match, so relations never fuzzy-match across
// categories.
type Relation struct {
	Direct     string
	Pattern    string
	Match      func(Key) bool
	ChildrenOf string

	// CrossesGlobalDivide marks relations whose source and target sit on
	// opposite sides of the global/server divide; these propagate with
	// the global propagation factor.
	CrossesGlobalDivide bool
}

// Relations returns the related-topic derivation for k. Categories without
// default relations return nil.
func Relations(k Key) []Relation {
	switch k.Category {
	case CategoryUser:
		if k.IsGlobal() {
			return globalUserRelations(k)
		}
		return serverUserRelations(k)
	case CategoryDyad:
		if !k.IsGlobal() {
			return serverDyadRelations(k)
		}
	case CategoryChannel:
		return serverChannelRelations(k)
	}
	return nil
}

// serverUserRelations: all dyads in S containing U, all user-in-channel in S
// for U, and the global user.
func serverUserRelations(k Key) []Relation {
	sid, uid := k.ServerID, k.Parts[0]
	return []Relation{
		{
			Pattern: "server:" + sid + ":dyad:%",
			Match: func(t Key) bool {
				return t.Category == CategoryDyad && t.ServerID == sid &&
					(t.Parts[0] == uid || t.Parts[1] == uid)
			},
		},
		{
			Pattern: "server:" + sid + ":user_in_channel:%",
			Match: func(t Key) bool {
				return t.Category == CategoryUserInChannel && t.ServerID == sid && t.Parts[1] == uid
			},
		},
		{
			Direct:              UserKey("", uid),
			CrossesGlobalDivide: true,
		},
	}
}

// serverChannelRelations: all user-in-channel in S for channel C, and all
// server threads whose parent is C.
func serverChannelRelations(k Key) []Relation {
	sid, cid := k.ServerID, k.Parts[0]
	return []Relation{
		{
			Pattern: "server:" + sid + ":user_in_channel:" + cid + ":%",
			Match: func(t Key) bool {
				return t.Category == CategoryUserInChannel && t.ServerID == sid && t.Parts[0] == cid
			},
		},
		{
			ChildrenOf: k.Raw,
		},
	}
}

// serverDyadRelations: both server users and the global dyad.
func serverDyadRelations(k Key) []Relation {
	sid, a, b := k.ServerID, k.Parts[0], k.Parts[1]
	return []Relation{
		{Direct: UserKey(sid, a)},
		{Direct: UserKey(sid, b)},
		{Direct: DyadKey("", a, b), CrossesGlobalDivide: true},
	}
}

// globalUserRelations: every server-scoped user topic for U and every global
// dyad containing U.
func globalUserRelations(k Key) []Relation {
	uid := k.Parts[0]
	return []Relation{
		{
			Pattern: "server:%:user:" + uid,
			Match: func(t Key) bool {
				return t.Category == CategoryUser && !t.IsGlobal() && t.Parts[0] == uid
			},
			CrossesGlobalDivide: true,
		},
		{
			Pattern: "dyad:%",
			Match: func(t Key) bool {
				return t.Category == CategoryDyad && t.IsGlobal() &&
					(t.Parts[0] == uid || t.Parts[1] == uid)
			},
		},
	}
}
