//go:build ignore
// +build ignore

// Reference definitions for the records in sunxi.go and ioctl.go. Check the
// hand-written layouts against the kernel headers of a board with:
// GOARCH=arm go tool cgo -godefs ctypes.go | gofmt > types_arm.go

// Copyright 2018 Axel Wagner
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sunxi

/*
#include <linux/types.h>
#include <video/sunxi_display2.h>
#include <video/sunxi_transform.h>
#include <linux/ion.h>
#include <linux/sunxi_ion.h>
#include <linux/sync.h>
*/
import "C"

type Size C.disp_rectsz

type Window C.disp_rect

type Rect64 C.disp_rect64

type FBInfo C.disp_fb_info

type LayerInfo C.disp_layer_info

type LayerConfig C.disp_layer_config

type TRFrame C.tr_frame

type TRRect C.tr_rect

type TRInfo C.tr_info

type ionAllocationData C.struct_ion_allocation_data

type ionFDData C.struct_ion_fd_data

type ionHandleData C.struct_ion_handle_data

type ionCustomData C.struct_ion_custom_data

type sunxiPhysData C.sunxi_phys_data

const (
	DISP_SET_BKCOLOR      = C.DISP_SET_BKCOLOR
	DISP_GET_SCN_WIDTH    = C.DISP_GET_SCN_WIDTH
	DISP_GET_SCN_HEIGHT   = C.DISP_GET_SCN_HEIGHT
	DISP_GET_OUTPUT_TYPE  = C.DISP_GET_OUTPUT_TYPE
	DISP_VSYNC_EVENT_EN   = C.DISP_VSYNC_EVENT_EN
	DISP_BLANK            = C.DISP_BLANK
	DISP_HWC_COMMIT       = C.DISP_HWC_COMMIT
	DISP_DEVICE_SWITCH    = C.DISP_DEVICE_SWITCH
	DISP_LAYER_SET_CONFIG = C.DISP_LAYER_SET_CONFIG
)

const (
	TR_REQUEST     = C.TR_REQUEST
	TR_RELEASE     = C.TR_RELEASE
	TR_COMMIT      = C.TR_COMMIT
	TR_QUERY       = C.TR_QUERY
	TR_SET_TIMEOUT = C.TR_SET_TIMEOUT
)

const (
	ION_IOC_ALLOC  = C.ION_IOC_ALLOC
	ION_IOC_FREE   = C.ION_IOC_FREE
	ION_IOC_SHARE  = C.ION_IOC_SHARE
	ION_IOC_IMPORT = C.ION_IOC_IMPORT
	ION_IOC_CUSTOM = C.ION_IOC_CUSTOM
	ION_IOC_SYNC   = C.ION_IOC_SYNC
	SYNC_IOC_MERGE = C.SYNC_IOC_MERGE
)
