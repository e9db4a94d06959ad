package tensor

// Param names one learnable tensor. Data aliases the live weight
// storage unless the producer documents otherwise.
type Param struct {
	Name  string
	Shape []int
	Data  []float32
}

// MatParam wraps a matrix as a named parameter.
func MatParam(name string, m *Mat) Param {
	return Param{Name: name, Shape: []int{m.R, m.C}, Data: m.Data}
}

// VecParam wraps a vector as a named parameter.
func VecParam(name string, v []float32) Param {
	return Param{Name: name, Shape: []int{len(v)}, Data: v}
}
