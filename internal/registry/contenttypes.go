package registry

// DemoContentTypes returns the City/Person content types used throughout
// the push/pull/merge scenarios: a city that people belong to, linked by
// an outgoing foreign key, each with a unique "name" column so that the
// unique-constraint swap resolver (§4.8) has something to exercise.
func DemoContentTypes() []ContentType {
	return []ContentType{
		{
			ID:                "city",
			PKColumn:          "id",
			Columns:           []string{"id", "name"},
			UniqueConstraints: [][]string{{"name"}},
		},
		{
			ID:       "person",
			PKColumn: "id",
			Columns:  []string{"id", "name", "city_id"},
			ForeignKeys: []ForeignKey{
				{Column: "city_id", TargetType: "city"},
			},
			UniqueConstraints: [][]string{{"name"}},
		},
	}
}
