package fleetstore

// Mutation is one store change. Exactly one case is set.
type Mutation struct {
	ClaireUpsert *ClaireInfo      `json:"claire_upsert,omitempty"`
	BuildUpsert  *ClaireBuildInfo `json:"build_upsert,omitempty"`
	ServerUpsert *ServerInfo      `json:"server_upsert,omitempty"`
	KarlAppend   *KarlInfo        `json:"karl_append,omitempty"`
}

// Transaction is one changelog entry: the ordered mutations of a single
// committed read-write transaction. Replaying transactions in changelog
// order reconstructs the store exactly.
type Transaction struct {
	Mutations []Mutation `json:"mutations"`
}

// apply plays one mutation into the base maps.
func (s *Store) apply(m Mutation) {
	switch {
	case m.ClaireUpsert != nil:
		s.claires[m.ClaireUpsert.Codename] = *m.ClaireUpsert
	case m.BuildUpsert != nil:
		s.builds[m.BuildUpsert.Codename] = *m.BuildUpsert
	case m.ServerUpsert != nil:
		s.servers[m.ServerUpsert.IP] = *m.ServerUpsert
	case m.KarlAppend != nil:
		s.karl = append(s.karl, *m.KarlAppend)
	}
}
