//go:build linux

package anchor

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/google/go-tpm/tpm2"
	"github.com/google/go-tpm/tpm2/transport"
)

// TPM device paths in order of preference. The resource manager keeps
// the device shareable with other TPM users.
var tpmDevicePaths = []string{
	"/dev/tpmrm0",
	"/dev/tpm0",
}

const nvCounterSize = 8

// HardwareProvider backs the anchor counter with a TPM 2.0 NV counter
// and reports the TPM clock.
type HardwareProvider struct {
	mu           sync.Mutex
	devicePath   string
	nvIndex      uint32
	transport    transport.TPMCloser
	isOpen       bool
	counterInit  bool
	manufacturer string
}

// NewHardwareProvider returns a provider for the TPM at path, probing
// the standard device paths when path is empty. Returns nil when no
// accessible device exists.
func NewHardwareProvider(path string, nvIndex uint32) Provider {
	paths := tpmDevicePaths
	if path != "" {
		paths = []string{path}
	}
	for _, p := range paths {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		f, err := os.OpenFile(p, os.O_RDWR, 0)
		if err != nil {
			continue
		}
		f.Close()
		return &HardwareProvider{devicePath: p, nvIndex: nvIndex}
	}
	return nil
}

func (h *HardwareProvider) Available() bool {
	if h.devicePath == "" {
		return false
	}
	_, err := os.Stat(h.devicePath)
	return err == nil
}

func (h *HardwareProvider) Open() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.isOpen {
		return ErrAlreadyOpen
	}
	t, err := transport.OpenTPM(h.devicePath)
	if err != nil {
		return fmt.Errorf("anchor: open %s: %w", h.devicePath, err)
	}
	h.transport = t
	h.isOpen = true

	if m, err := h.readManufacturer(); err == nil {
		h.manufacturer = m
	}
	return nil
}

func (h *HardwareProvider) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen {
		return nil
	}
	err := h.transport.Close()
	h.transport = nil
	h.isOpen = false
	h.counterInit = false
	return err
}

// DeviceID returns the SHA-256 of the endorsement key public area.
func (h *HardwareProvider) DeviceID() ([]byte, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen {
		return nil, ErrNotOpen
	}

	createEK := tpm2.CreatePrimary{
		PrimaryHandle: tpm2.TPMRHEndorsement,
		InPublic:      tpm2.New2B(tpm2.RSAEKTemplate),
	}
	rsp, err := createEK.Execute(h.transport)
	if err != nil {
		return nil, fmt.Errorf("anchor: create EK: %w", err)
	}
	defer func() {
		tpm2.FlushContext{FlushHandle: rsp.ObjectHandle}.Execute(h.transport)
	}()

	pubBytes := tpm2.Marshal(rsp.OutPublic)
	sum := sha256.Sum256(pubBytes)
	return sum[:], nil
}

func (h *HardwareProvider) IncrementCounter() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen {
		return 0, ErrNotOpen
	}
	if err := h.ensureCounter(); err != nil {
		return 0, err
	}

	inc := tpm2.NVIncrement{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(h.nvIndex),
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.TPMHandle(h.nvIndex),
	}
	if _, err := inc.Execute(h.transport); err != nil {
		return 0, fmt.Errorf("anchor: NV increment: %w", err)
	}
	return h.readCounter()
}

func (h *HardwareProvider) GetCounter() (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen {
		return 0, ErrNotOpen
	}
	if err := h.ensureCounter(); err != nil {
		return 0, err
	}
	return h.readCounter()
}

func (h *HardwareProvider) GetClock() (*ClockInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.isOpen {
		return nil, ErrNotOpen
	}

	rsp, err := tpm2.ReadClock{}.Execute(h.transport)
	if err != nil {
		return nil, fmt.Errorf("anchor: read clock: %w", err)
	}
	return &ClockInfo{
		Clock:        rsp.CurrentTime.ClockInfo.Clock,
		ResetCount:   rsp.CurrentTime.ClockInfo.ResetCount,
		RestartCount: rsp.CurrentTime.ClockInfo.RestartCount,
		Safe:         rsp.CurrentTime.ClockInfo.Safe,
	}, nil
}

func (h *HardwareProvider) Manufacturer() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.manufacturer == "" {
		return "unknown"
	}
	return h.manufacturer
}

// ensureCounter defines the NV counter if it does not exist yet.
// Callers hold h.mu.
func (h *HardwareProvider) ensureCounter() error {
	if h.counterInit {
		return nil
	}

	readPub := tpm2.NVReadPublic{NVIndex: tpm2.TPMHandle(h.nvIndex)}
	if _, err := readPub.Execute(h.transport); err == nil {
		h.counterInit = true
		return nil
	}

	define := tpm2.NVDefineSpace{
		AuthHandle: tpm2.TPMRHOwner,
		Auth:       tpm2.TPM2BAuth{Buffer: nil},
		PublicInfo: tpm2.New2B(tpm2.TPMSNVPublic{
			NVIndex:    tpm2.TPMHandle(h.nvIndex),
			NameAlg:    tpm2.TPMAlgSHA256,
			Attributes: tpm2.TPMANV{NT: tpm2.TPMNTCounter},
			DataSize:   nvCounterSize,
		}),
	}
	if _, err := define.Execute(h.transport); err != nil {
		return fmt.Errorf("anchor: NV define space: %w", err)
	}
	h.counterInit = true
	return nil
}

// readCounter reads the NV counter. Callers hold h.mu.
func (h *HardwareProvider) readCounter() (uint64, error) {
	read := tpm2.NVRead{
		AuthHandle: tpm2.AuthHandle{
			Handle: tpm2.TPMHandle(h.nvIndex),
			Auth:   tpm2.PasswordAuth(nil),
		},
		NVIndex: tpm2.TPMHandle(h.nvIndex),
		Size:    nvCounterSize,
		Offset:  0,
	}
	rsp, err := read.Execute(h.transport)
	if err != nil {
		return 0, fmt.Errorf("anchor: NV read: %w", err)
	}
	if len(rsp.Data.Buffer) < nvCounterSize {
		return 0, errors.New("anchor: counter data too short")
	}
	return binary.BigEndian.Uint64(rsp.Data.Buffer), nil
}

func (h *HardwareProvider) readManufacturer() (string, error) {
	getCap := tpm2.GetCapability{
		Capability:    tpm2.TPMCapTPMProperties,
		Property:      uint32(tpm2.TPMPTManufacturer),
		PropertyCount: 1,
	}
	rsp, err := getCap.Execute(h.transport)
	if err != nil {
		return "", err
	}
	props, err := rsp.CapabilityData.Data.TPMProperties()
	if err != nil || len(props.TPMProperty) == 0 {
		return "", errors.New("anchor: no manufacturer property")
	}
	mfr := props.TPMProperty[0].Value
	return fmt.Sprintf("%c%c%c%c",
		byte(mfr>>24), byte(mfr>>16), byte(mfr>>8), byte(mfr)), nil
}
