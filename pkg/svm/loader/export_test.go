package loader

// BuildELF exposes the test image builder to the external test package.
var BuildELF = buildELF
