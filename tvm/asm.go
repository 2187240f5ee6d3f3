package tvm

import "os"

// Assemble parses each source file as one translation unit, merges them,
// resolves the declared libraries and writes the final image to output.
// Nothing is left on disk when any stage fails.
func Assemble(output, modpath string, files ...string) error {
	w := NewBinaryWriter(modpath)

	var (
		modules   []string
		seen      = make(map[string]struct{})
		labelBase uint64
	)

	for _, fname := range files {
		p := NewParser()

		// keep label ids unique across units
		p.SetLabelBase(labelBase)

		if err := p.ParseFile(fname); err != nil {
			return err
		}
		labelBase = p.nextLabel

		w.MergeInstructions(p.Instructions())
		if err := w.MergeData(p.Data()); err != nil {
			return err
		}
		if err := w.MergeLabels(p.Labels()); err != nil {
			return err
		}

		for _, m := range p.Modules() {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				modules = append(modules, m)
			}
		}
	}

	if err := w.Resolve(modules); err != nil {
		return err
	}

	if err := w.Open(output); err != nil {
		return err
	}

	err := w.WriteHeader()
	if err == nil {
		err = w.WriteSections()
	}
	if cerr := w.Close(); err == nil {
		err = cerr
	}

	if err != nil {
		os.Remove(output)
		return err
	}
	return nil
}
