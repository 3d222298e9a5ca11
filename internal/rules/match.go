package rules

// FirstMatch returns the index of the first condition in declaration order
// that holds for attrs, or -1 when none does. A nil entry always matches.
func FirstMatch(conds []*Condition, attrs Attributes) (int, error) {
	for i, c := range conds {
		ok, err := Evaluate(c, attrs)
		if err != nil {
			return -1, err
		}
		if ok {
			return i, nil
		}
	}
	return -1, nil
}
